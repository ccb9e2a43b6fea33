package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/fibreflow/internal/importer"
	"github.com/zulandar/fibreflow/internal/sow"
	"github.com/zulandar/fibreflow/internal/sowfile"
	"github.com/zulandar/fibreflow/internal/tracker"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts *StartOpts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.POST("/projects/:project/imports/:step", handleUpload(opts))
	api.GET("/projects/:project/imports/:step/status", handleStatus(opts.Tracker))
	api.GET("/projects/:project/imports", handleHistory(opts.Tracker))
	api.GET("/imports/:id", handleJob(opts.Tracker))
	api.POST("/imports/:id/cancel", handleCancel(opts.Tracker))
}

func handleUpload(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		project := strings.TrimSpace(c.Param("project"))
		kind, err := sow.ParseKind(c.Param("step"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)
		header, err := c.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d bytes", opts.MaxUploadBytes)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
			return
		}
		if !sowfile.Supported(header.Filename) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("unsupported file %q, expected .xlsx, .xls or .csv", header.Filename)})
			return
		}

		fromLine := 0
		if v := c.Query("from_line"); v != "" {
			fromLine, err = strconv.Atoi(v)
			if err != nil || fromLine < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from_line must be a non-negative integer"})
				return
			}
		}

		if err := os.MkdirAll(opts.UploadDir, 0755); err != nil {
			opts.Log.WithError(err).Error("create upload dir")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot store upload"})
			return
		}
		dst := filepath.Join(opts.UploadDir, uuid.New().String()+strings.ToLower(filepath.Ext(header.Filename)))
		if err := c.SaveUploadedFile(header, dst); err != nil {
			opts.Log.WithError(err).Error("save upload")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot store upload"})
			return
		}

		id, err := opts.Dispatcher.Submit(importer.Request{
			ProjectID: project,
			Kind:      kind,
			FileName:  filepath.Base(header.Filename),
			Path:      dst,
			FromLine:  fromLine,
		}, true)
		if err != nil {
			os.Remove(dst)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     id,
			"status":     tracker.StatusQueued,
			"status_url": fmt.Sprintf("/api/imports/%d", id),
		})
	}
}

func handleStatus(tr *tracker.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := sow.ParseKind(c.Param("step"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := tr.GetStatus(c.Request.Context(), c.Param("project"), string(kind))
		if err != nil {
			writeTrackerError(c, err)
			return
		}
		c.JSON(http.StatusOK, tracker.SnapshotOf(job))
	}
}

func handleHistory(tr *tracker.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		jobs, err := tr.GetHistory(c.Request.Context(), c.Param("project"), limit)
		if err != nil {
			writeTrackerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": tracker.Snapshots(jobs)})
	}
}

func handleJob(tr *tracker.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobID(c)
		if !ok {
			return
		}
		job, err := tr.Get(c.Request.Context(), id)
		if err != nil {
			writeTrackerError(c, err)
			return
		}
		c.JSON(http.StatusOK, tracker.SnapshotOf(job))
	}
}

func handleCancel(tr *tracker.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobID(c)
		if !ok {
			return
		}
		if err := tr.Cancel(c.Request.Context(), id); err != nil {
			writeTrackerError(c, err)
			return
		}
		job, err := tr.Get(c.Request.Context(), id)
		if err != nil {
			writeTrackerError(c, err)
			return
		}
		c.JSON(http.StatusOK, tracker.SnapshotOf(job))
	}
}

func jobID(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job id must be a positive integer"})
		return 0, false
	}
	return uint(n), true
}

func writeTrackerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, tracker.ErrTerminal), errors.Is(err, tracker.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
