// Package api serves the upload, status and history endpoints consumed by
// project dashboards, plus Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/fibreflow/internal/importer"
	"github.com/zulandar/fibreflow/internal/tracker"
)

// DefaultMaxUploadBytes caps a single upload.
const DefaultMaxUploadBytes = 50 << 20

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Dispatcher     *importer.Dispatcher
	Tracker        *tracker.Tracker
	Gatherer       prometheus.Gatherer
	UploadDir      string
	MaxUploadBytes int64
	Port           int
	Out            io.Writer
	Log            logrus.FieldLogger
}

func (o *StartOpts) validate() error {
	if o.Dispatcher == nil {
		return fmt.Errorf("api: dispatcher is required")
	}
	if o.Tracker == nil {
		return fmt.Errorf("api: tracker is required")
	}
	if o.UploadDir == "" {
		return fmt.Errorf("api: upload dir is required")
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Log))
	router.MaxMultipartMemory = 8 << 20
	registerRoutes(router, &opts)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "FibreFlow API listening on http://localhost:%d\n", portOrDefault(opts.Port))
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func portOrDefault(p int) int {
	if p <= 0 {
		return 8080
	}
	return p
}

// requestLogger logs one line per request.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Debug("request")
	}
}
