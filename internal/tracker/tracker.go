// Package tracker records import job lifecycle, counters and per-batch
// outcomes, and answers status and history queries.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/fibreflow/internal/batch"
	"github.com/zulandar/fibreflow/internal/models"
	"gorm.io/gorm"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusParsing    = "parsing"
	StatusValidating = "validating"
	StatusSaving     = "saving"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// ValidTransitions maps each non-terminal status to its forward successor.
// Moving to failed or cancelled from a non-terminal status is handled in
// isValidTransition.
var ValidTransitions = map[string][]string{
	StatusQueued:     {StatusParsing},
	StatusParsing:    {StatusValidating},
	StatusValidating: {StatusSaving},
	StatusSaving:     {StatusCompleted},
}

var (
	ErrNotFound          = errors.New("tracker: job not found")
	ErrInvalidTransition = errors.New("tracker: invalid status transition")
	ErrTerminal          = errors.New("tracker: job is in a terminal state")
)

// DefaultMaxIssues caps the issue lines stored on a job.
const DefaultMaxIssues = 50

// progress bands per stage, in percent.
var bands = map[string][2]int{
	StatusQueued:     {0, 0},
	StatusParsing:    {0, 10},
	StatusValidating: {10, 30},
	StatusSaving:     {30, 100},
	StatusCompleted:  {100, 100},
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

func isValidTransition(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StatusFailed || to == StatusCancelled || to == from {
		return true
	}
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Tracker persists ImportJob and ImportBatch rows.
type Tracker struct {
	db *gorm.DB
	// MaxIssues caps the issue lines kept on a job.
	MaxIssues int
}

// New returns a Tracker backed by db.
func New(db *gorm.DB) *Tracker {
	return &Tracker{db: db, MaxIssues: DefaultMaxIssues}
}

// Counts are the row tallies of a job. Valid includes in-file duplicates;
// Valid-Duplicate rows are sent to the store.
type Counts struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Duplicate int `json:"duplicate"`
	Existing  int `json:"existing"`
	Orphan    int `json:"orphan"`
	Persisted int `json:"persisted"`
	Failed    int `json:"failed"`
}

// Upsertable is the number of rows handed to the store.
func (c Counts) Upsertable() int { return c.Valid - c.Duplicate }

// Start creates a queued job for projectID and step.
func (t *Tracker) Start(ctx context.Context, projectID, step, fileName string) (*models.ImportJob, error) {
	if projectID == "" {
		return nil, fmt.Errorf("tracker: start: project id is required")
	}
	job := &models.ImportJob{
		ProjectID: projectID,
		Step:      step,
		FileName:  fileName,
		Status:    StatusQueued,
	}
	if err := t.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("tracker: start %s/%s: %w", projectID, step, err)
	}
	return job, nil
}

// Advance moves job id to stage and updates its progress counters. Staying
// in the current stage only refreshes counters. Processed rows never go
// backwards within a stage, and progress never goes backwards at all.
func (t *Tracker) Advance(ctx context.Context, id uint, stage string, processed, errorsSoFar int) error {
	return t.transition(ctx, id, stage, func(job *models.ImportJob, updates map[string]interface{}) {
		if stage == job.Status {
			processed = max(processed, job.ProcessedRows)
		}
		updates["processed_rows"] = processed
		updates["error_count"] = max(errorsSoFar, job.ErrorCount)

		total := job.TotalRows
		if stage == StatusSaving {
			total = job.ValidRows - job.DuplicateRows
		}
		updates["progress"] = max(job.Progress, progressFor(stage, processed, total))

		if job.StartedAt == nil {
			updates["started_at"] = time.Now()
		}
	})
}

// SetCounts records the validation tallies and issue lines of job id. Only
// the first MaxIssues lines are stored; ErrorCount keeps the full tally.
func (t *Tracker) SetCounts(ctx context.Context, id uint, c Counts, issues []string) error {
	encoded, err := t.encodeIssues(issues)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"total_rows":     c.Total,
		"valid_rows":     c.Valid,
		"invalid_rows":   c.Invalid,
		"duplicate_rows": c.Duplicate,
		"existing_rows":  c.Existing,
		"orphan_rows":    c.Orphan,
		"issues":         encoded,
		"error_count":    len(issues),
	}
	result := t.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND status NOT IN ?", id, []string{StatusCompleted, StatusFailed, StatusCancelled}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("tracker: set counts for job %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return t.explain(ctx, id, "set counts")
	}
	return nil
}

// RecordBatch appends a ledger row for o and folds it into the job's
// persisted, failed and processed counters. A batch that was in flight when
// the job was cancelled is still recorded.
func (t *Tracker) RecordBatch(ctx context.Context, id uint, o batch.Outcome) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.ImportJob
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrNotFound, id)
			}
			return fmt.Errorf("tracker: record batch for job %d: %w", id, err)
		}
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return fmt.Errorf("%w: job %d is %s", ErrTerminal, id, job.Status)
		}

		entry := models.ImportBatch{
			JobID:        id,
			Seq:          o.Seq,
			FirstLine:    o.FirstLine,
			LastLine:     o.LastLine,
			Rows:         o.Rows,
			RowsAffected: o.RowsAffected,
			Status:       string(o.Status),
		}
		if o.Err != nil {
			entry.Error = o.Err.Error()
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("tracker: record batch %d for job %d: %w", o.Seq, id, err)
		}

		updates := map[string]interface{}{}
		switch o.Status {
		case batch.StatusCommitted:
			updates["persisted_rows"] = job.PersistedRows + o.Rows
		case batch.StatusFailed:
			updates["failed_rows"] = job.FailedRows + o.Rows
		}
		if o.Status != batch.StatusSkipped && job.Status == StatusSaving {
			processed := job.ProcessedRows + o.Rows
			updates["processed_rows"] = processed
			p := progressFor(StatusSaving, processed, job.ValidRows-job.DuplicateRows)
			updates["progress"] = max(job.Progress, p)
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&models.ImportJob{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("tracker: update counters for job %d: %w", id, err)
		}
		return nil
	})
}

// Complete marks job id completed with its final counts.
func (t *Tracker) Complete(ctx context.Context, id uint, final Counts) error {
	return t.transition(ctx, id, StatusCompleted, func(job *models.ImportJob, updates map[string]interface{}) {
		updates["total_rows"] = final.Total
		updates["valid_rows"] = final.Valid
		updates["invalid_rows"] = final.Invalid
		updates["duplicate_rows"] = final.Duplicate
		updates["existing_rows"] = final.Existing
		updates["orphan_rows"] = final.Orphan
		updates["persisted_rows"] = final.Persisted
		updates["failed_rows"] = final.Failed
		updates["processed_rows"] = max(job.ProcessedRows, final.Upsertable())
		updates["progress"] = 100
		updates["completed_at"] = time.Now()
	})
}

// Fail marks job id failed with message. Counters keep their last values.
func (t *Tracker) Fail(ctx context.Context, id uint, message string) error {
	return t.transition(ctx, id, StatusFailed, func(job *models.ImportJob, updates map[string]interface{}) {
		updates["error_message"] = message
		updates["completed_at"] = time.Now()
	})
}

// Cancel marks job id cancelled. The pipeline notices before its next batch.
func (t *Tracker) Cancel(ctx context.Context, id uint) error {
	return t.transition(ctx, id, StatusCancelled, func(job *models.ImportJob, updates map[string]interface{}) {
		updates["error_message"] = "cancelled by request"
		updates["completed_at"] = time.Now()
	})
}

// IsCancelled reports whether job id has been cancelled.
func (t *Tracker) IsCancelled(ctx context.Context, id uint) (bool, error) {
	var job models.ImportJob
	if err := t.db.WithContext(ctx).Select("status").Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return false, fmt.Errorf("tracker: check job %d: %w", id, err)
	}
	return job.Status == StatusCancelled, nil
}

// Get returns job id with its batch ledger in sequence order.
func (t *Tracker) Get(ctx context.Context, id uint) (*models.ImportJob, error) {
	var job models.ImportJob
	err := t.db.WithContext(ctx).
		Preload("Batches", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: get job %d: %w", id, err)
	}
	return &job, nil
}

// GetStatus returns the most recent job for projectID and step.
func (t *Tracker) GetStatus(ctx context.Context, projectID, step string) (*models.ImportJob, error) {
	var job models.ImportJob
	err := t.db.WithContext(ctx).
		Where("project_id = ? AND step = ?", projectID, step).
		Order("id DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no %s import for project %s", ErrNotFound, step, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: status %s/%s: %w", projectID, step, err)
	}
	return &job, nil
}

// GetHistory returns the jobs of projectID, newest first. A positive limit
// caps the result.
func (t *Tracker) GetHistory(ctx context.Context, projectID string, limit int) ([]models.ImportJob, error) {
	q := t.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.ImportJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("tracker: history for project %s: %w", projectID, err)
	}
	return jobs, nil
}

// ExpireStale fails non-terminal jobs that have not been updated within
// olderThan, returning how many were failed.
func (t *Tracker) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)
	result := t.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("status IN ? AND updated_at < ?",
			[]string{StatusQueued, StatusParsing, StatusValidating, StatusSaving}, cutoff).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": fmt.Sprintf("abandoned: no progress for %s", olderThan),
			"completed_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("tracker: expire stale jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// transition applies a guarded status change. The update only lands while
// the row still holds the status it was read with, so a concurrent Cancel
// is never overwritten.
func (t *Tracker) transition(ctx context.Context, id uint, to string, fill func(*models.ImportJob, map[string]interface{})) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.ImportJob
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrNotFound, id)
			}
			return fmt.Errorf("tracker: get job %d: %w", id, err)
		}
		if IsTerminal(job.Status) {
			return fmt.Errorf("%w: job %d is %s, cannot move to %s", ErrTerminal, id, job.Status, to)
		}
		if !isValidTransition(job.Status, to) {
			return fmt.Errorf("%w: job %d from %q to %q; valid transitions: %v",
				ErrInvalidTransition, id, job.Status, to, ValidTransitions[job.Status])
		}

		updates := map[string]interface{}{"status": to}
		fill(&job, updates)
		result := tx.Model(&models.ImportJob{}).
			Where("id = ? AND status = ?", id, job.Status).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("tracker: move job %d to %s: %w", id, to, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: job %d changed status concurrently", ErrInvalidTransition, id)
		}
		return nil
	})
}

// explain turns a zero-row guarded update into ErrNotFound or ErrTerminal.
func (t *Tracker) explain(ctx context.Context, id uint, op string) error {
	var job models.ImportJob
	if err := t.db.WithContext(ctx).Select("status").Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return fmt.Errorf("tracker: %s for job %d: %w", op, id, err)
	}
	return fmt.Errorf("%w: cannot %s, job %d is %s", ErrTerminal, op, id, job.Status)
}

func (t *Tracker) encodeIssues(issues []string) (string, error) {
	if len(issues) == 0 {
		return "", nil
	}
	limit := t.MaxIssues
	if limit <= 0 {
		limit = DefaultMaxIssues
	}
	if len(issues) > limit {
		issues = issues[:limit]
	}
	data, err := json.Marshal(issues)
	if err != nil {
		return "", fmt.Errorf("tracker: encode issues: %w", err)
	}
	return string(data), nil
}

func progressFor(stage string, processed, total int) int {
	b, ok := bands[stage]
	if !ok {
		return 0
	}
	if total <= 0 {
		return b[0]
	}
	if processed > total {
		processed = total
	}
	return b[0] + (b[1]-b[0])*processed/total
}
