package tracker

import (
	"encoding/json"
	"time"

	"github.com/zulandar/fibreflow/internal/models"
)

// Snapshot is the plain view of a job served to dashboards and the CLI.
type Snapshot struct {
	ID           uint            `json:"id"`
	ProjectID    string          `json:"project_id"`
	Step         string          `json:"step"`
	FileName     string          `json:"file_name"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Processed    int             `json:"processed"`
	Counts       Counts          `json:"counts"`
	ErrorCount   int             `json:"error_count"`
	Issues       []string        `json:"issues,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Batches      []BatchSnapshot `json:"batches,omitempty"`
}

// BatchSnapshot is one ledger row of a job.
type BatchSnapshot struct {
	Seq          int    `json:"seq"`
	FirstLine    int    `json:"first_line"`
	LastLine     int    `json:"last_line"`
	Rows         int    `json:"rows"`
	RowsAffected int64  `json:"rows_affected"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// SnapshotOf converts a stored job. Batches are included when preloaded.
func SnapshotOf(job *models.ImportJob) Snapshot {
	s := Snapshot{
		ID:        job.ID,
		ProjectID: job.ProjectID,
		Step:      job.Step,
		FileName:  job.FileName,
		Status:    job.Status,
		Progress:  job.Progress,
		Processed: job.ProcessedRows,
		Counts: Counts{
			Total:     job.TotalRows,
			Valid:     job.ValidRows,
			Invalid:   job.InvalidRows,
			Duplicate: job.DuplicateRows,
			Existing:  job.ExistingRows,
			Orphan:    job.OrphanRows,
			Persisted: job.PersistedRows,
			Failed:    job.FailedRows,
		},
		ErrorCount:   job.ErrorCount,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.Issues != "" {
		// A malformed column is left out rather than failing the query.
		_ = json.Unmarshal([]byte(job.Issues), &s.Issues)
	}
	for _, b := range job.Batches {
		s.Batches = append(s.Batches, BatchSnapshot{
			Seq:          b.Seq,
			FirstLine:    b.FirstLine,
			LastLine:     b.LastLine,
			Rows:         b.Rows,
			RowsAffected: b.RowsAffected,
			Status:       b.Status,
			Error:        b.Error,
		})
	}
	return s
}

// Snapshots converts a history listing.
func Snapshots(jobs []models.ImportJob) []Snapshot {
	out := make([]Snapshot, len(jobs))
	for i := range jobs {
		out[i] = SnapshotOf(&jobs[i])
	}
	return out
}
