package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/fibreflow/internal/batch"
	"github.com/zulandar/fibreflow/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB creates an in-memory SQLite database with the job tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.ImportJob{}, &models.ImportBatch{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func startJob(t *testing.T, tr *Tracker) *models.ImportJob {
	t.Helper()
	job, err := tr.Start(context.Background(), "LAW-1", "poles", "poles.csv")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return job
}

func mustGet(t *testing.T, tr *Tracker, id uint) *models.ImportJob {
	t.Helper()
	job, err := tr.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return job
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusQueued, StatusParsing, true},
		{StatusParsing, StatusValidating, true},
		{StatusValidating, StatusSaving, true},
		{StatusSaving, StatusCompleted, true},
		{StatusSaving, StatusSaving, true},
		{StatusQueued, StatusFailed, true},
		{StatusValidating, StatusCancelled, true},
		{StatusQueued, StatusSaving, false},
		{StatusSaving, StatusParsing, false},
		{StatusParsing, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			if got := isValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("isValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStart(t *testing.T) {
	tr := New(testDB(t))
	job := startJob(t, tr)
	if job.ID == 0 {
		t.Fatal("expected job ID to be set")
	}
	if job.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}
	if job.StartedAt != nil {
		t.Error("StartedAt should be nil until the job leaves queued")
	}

	if _, err := tr.Start(context.Background(), "", "poles", "x.csv"); err == nil {
		t.Error("expected error for empty project id")
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	job := startJob(t, tr)

	if err := tr.Advance(ctx, job.ID, StatusParsing, 0, 0); err != nil {
		t.Fatalf("Advance parsing: %v", err)
	}
	if got := mustGet(t, tr, job.ID); got.StartedAt == nil {
		t.Error("StartedAt not set after leaving queued")
	}
	if err := tr.Advance(ctx, job.ID, StatusValidating, 0, 0); err != nil {
		t.Fatalf("Advance validating: %v", err)
	}
	counts := Counts{Total: 10, Valid: 8, Invalid: 2, Duplicate: 2, Existing: 1}
	if err := tr.SetCounts(ctx, job.ID, counts, []string{"line 3: bad", "line 4: bad"}); err != nil {
		t.Fatalf("SetCounts: %v", err)
	}
	if err := tr.Advance(ctx, job.ID, StatusValidating, 10, 2); err != nil {
		t.Fatalf("Advance validating progress: %v", err)
	}
	if got := mustGet(t, tr, job.ID); got.Progress != 30 || got.ProcessedRows != 10 {
		t.Errorf("after validating: progress=%d processed=%d, want 30/10", got.Progress, got.ProcessedRows)
	}

	if err := tr.Advance(ctx, job.ID, StatusSaving, 0, 4); err != nil {
		t.Fatalf("Advance saving: %v", err)
	}
	if err := tr.RecordBatch(ctx, job.ID, batch.Outcome{Seq: 1, FirstLine: 2, LastLine: 5, Rows: 3, RowsAffected: 3, Status: batch.StatusCommitted}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	mid := mustGet(t, tr, job.ID)
	if mid.ProcessedRows != 3 || mid.PersistedRows != 3 {
		t.Errorf("mid: processed=%d persisted=%d, want 3/3", mid.ProcessedRows, mid.PersistedRows)
	}
	if mid.Progress != 65 {
		t.Errorf("mid progress = %d, want 30+70*3/6 = 65", mid.Progress)
	}

	counts.Persisted = 6
	if err := tr.Complete(ctx, job.ID, counts); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	done := mustGet(t, tr, job.ID)
	if done.Status != StatusCompleted || done.Progress != 100 || done.CompletedAt == nil {
		t.Errorf("done = status %s progress %d completed %v", done.Status, done.Progress, done.CompletedAt)
	}
	if done.PersistedRows != 6 || done.DuplicateRows != 2 || done.ErrorCount != 4 {
		t.Errorf("done counts = persisted %d dup %d errors %d", done.PersistedRows, done.DuplicateRows, done.ErrorCount)
	}
	if len(done.Batches) != 1 || done.Batches[0].Status != "committed" {
		t.Errorf("Batches = %+v", done.Batches)
	}
}

func TestAdvance_ProcessedMonotonicWithinStage(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	job := startJob(t, tr)

	if err := tr.Advance(ctx, job.ID, StatusParsing, 50, 0); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := tr.Advance(ctx, job.ID, StatusParsing, 20, 0); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := mustGet(t, tr, job.ID); got.ProcessedRows != 50 {
		t.Errorf("ProcessedRows = %d, want 50", got.ProcessedRows)
	}

	if err := tr.Advance(ctx, job.ID, StatusValidating, 5, 0); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := mustGet(t, tr, job.ID); got.ProcessedRows != 5 {
		t.Errorf("ProcessedRows = %d, want reset to 5 in new stage", got.ProcessedRows)
	}
}

func TestAdvance_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	job := startJob(t, tr)

	err := tr.Advance(ctx, job.ID, StatusSaving, 0, 0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if !strings.Contains(err.Error(), `from "queued" to "saving"`) {
		t.Errorf("error = %q", err)
	}
	if got := mustGet(t, tr, job.ID); got.Status != StatusQueued {
		t.Errorf("Status = %q, want unchanged queued", got.Status)
	}
}

func TestFail_KeepsCounters(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	job := startJob(t, tr)

	_ = tr.Advance(ctx, job.ID, StatusParsing, 0, 0)
	_ = tr.Advance(ctx, job.ID, StatusValidating, 0, 0)
	_ = tr.SetCounts(ctx, job.ID, Counts{Total: 4, Valid: 4}, nil)
	_ = tr.Advance(ctx, job.ID, StatusSaving, 0, 0)
	_ = tr.RecordBatch(ctx, job.ID, batch.Outcome{Seq: 1, FirstLine: 2, LastLine: 3, Rows: 2, Status: batch.StatusCommitted})
	_ = tr.RecordBatch(ctx, job.ID, batch.Outcome{Seq: 2, FirstLine: 4, LastLine: 5, Rows: 2, Status: batch.StatusFailed, Err: errors.New("lock wait timeout")})

	if err := tr.Fail(ctx, job.ID, "1 of 2 batches failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got := mustGet(t, tr, job.ID)
	if got.Status != StatusFailed || got.ErrorMessage != "1 of 2 batches failed" {
		t.Errorf("job = %s %q", got.Status, got.ErrorMessage)
	}
	if got.PersistedRows != 2 || got.FailedRows != 2 || got.ProcessedRows != 4 || got.TotalRows != 4 {
		t.Errorf("counters = persisted %d failed %d processed %d total %d", got.PersistedRows, got.FailedRows, got.ProcessedRows, got.TotalRows)
	}
	if got.Batches[1].Error != "lock wait timeout" {
		t.Errorf("batch 2 error = %q", got.Batches[1].Error)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))

	for _, end := range []string{StatusFailed, StatusCancelled} {
		t.Run(end, func(t *testing.T) {
			job := startJob(t, tr)
			var err error
			if end == StatusFailed {
				err = tr.Fail(ctx, job.ID, "boom")
			} else {
				err = tr.Cancel(ctx, job.ID)
			}
			if err != nil {
				t.Fatalf("end job: %v", err)
			}
			if err := tr.Advance(ctx, job.ID, StatusParsing, 0, 0); !errors.Is(err, ErrTerminal) {
				t.Errorf("Advance err = %v, want ErrTerminal", err)
			}
			if err := tr.Fail(ctx, job.ID, "again"); !errors.Is(err, ErrTerminal) {
				t.Errorf("Fail err = %v, want ErrTerminal", err)
			}
			if err := tr.Cancel(ctx, job.ID); !errors.Is(err, ErrTerminal) {
				t.Errorf("Cancel err = %v, want ErrTerminal", err)
			}
			if err := tr.SetCounts(ctx, job.ID, Counts{Total: 1}, nil); !errors.Is(err, ErrTerminal) {
				t.Errorf("SetCounts err = %v, want ErrTerminal", err)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	job := startJob(t, tr)

	cancelled, err := tr.IsCancelled(ctx, job.ID)
	if err != nil || cancelled {
		t.Fatalf("IsCancelled = %v, %v; want false", cancelled, err)
	}
	if err := tr.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled, err = tr.IsCancelled(ctx, job.ID)
	if err != nil || !cancelled {
		t.Fatalf("IsCancelled = %v, %v; want true", cancelled, err)
	}

	// An in-flight batch is still recorded after cancellation.
	if err := tr.RecordBatch(ctx, job.ID, batch.Outcome{Seq: 1, FirstLine: 2, LastLine: 2, Rows: 1, Status: batch.StatusCommitted}); err != nil {
		t.Errorf("RecordBatch after cancel: %v", err)
	}
	if got := mustGet(t, tr, job.ID); got.PersistedRows != 1 || got.Status != StatusCancelled {
		t.Errorf("job = %s persisted %d", got.Status, got.PersistedRows)
	}
}

func TestRecordBatch_RejectedAfterCompletion(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	job := startJob(t, tr)
	for _, s := range []string{StatusParsing, StatusValidating, StatusSaving} {
		if err := tr.Advance(ctx, job.ID, s, 0, 0); err != nil {
			t.Fatalf("Advance %s: %v", s, err)
		}
	}
	if err := tr.Complete(ctx, job.ID, Counts{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	err := tr.RecordBatch(ctx, job.ID, batch.Outcome{Seq: 1, Rows: 1, Status: batch.StatusCommitted})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))

	if _, err := tr.Get(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := tr.Advance(ctx, 99, StatusParsing, 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Advance err = %v, want ErrNotFound", err)
	}
	if _, err := tr.IsCancelled(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("IsCancelled err = %v, want ErrNotFound", err)
	}
	if err := tr.SetCounts(ctx, 99, Counts{}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetCounts err = %v, want ErrNotFound", err)
	}
	if _, err := tr.GetStatus(ctx, "LAW-1", "poles"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStatus err = %v, want ErrNotFound", err)
	}
}

func TestGetStatusAndHistory(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))

	var ids []uint
	for i, step := range []string{"poles", "drops", "poles"} {
		job, err := tr.Start(ctx, "LAW-1", step, fmt.Sprintf("f%d.csv", i))
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, job.ID)
	}
	if _, err := tr.Start(ctx, "OTHER", "poles", "x.csv"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	latest, err := tr.GetStatus(ctx, "LAW-1", "poles")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if latest.ID != ids[2] || latest.FileName != "f2.csv" {
		t.Errorf("GetStatus = job %d %q, want %d f2.csv", latest.ID, latest.FileName, ids[2])
	}

	hist, err := tr.GetHistory(ctx, "LAW-1", 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(hist))
	}
	if hist[0].ID != ids[2] || hist[2].ID != ids[0] {
		t.Errorf("history order = %d,%d,%d, want newest first", hist[0].ID, hist[1].ID, hist[2].ID)
	}

	limited, err := tr.GetHistory(ctx, "LAW-1", 2)
	if err != nil {
		t.Fatalf("GetHistory limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestSetCounts_TruncatesIssues(t *testing.T) {
	ctx := context.Background()
	tr := New(testDB(t))
	tr.MaxIssues = 2
	job := startJob(t, tr)

	issues := []string{"line 2: a", "line 3: b", "line 4: c"}
	if err := tr.SetCounts(ctx, job.ID, Counts{Total: 3, Invalid: 3}, issues); err != nil {
		t.Fatalf("SetCounts: %v", err)
	}
	snap := SnapshotOf(mustGet(t, tr, job.ID))
	if len(snap.Issues) != 2 || snap.Issues[1] != "line 3: b" {
		t.Errorf("Issues = %v", snap.Issues)
	}
	if snap.ErrorCount != 3 {
		t.Errorf("ErrorCount = %d, want 3", snap.ErrorCount)
	}
	if snap.Counts.Invalid != 3 {
		t.Errorf("Counts.Invalid = %d", snap.Counts.Invalid)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tr := New(db)

	stale := startJob(t, tr)
	fresh := startJob(t, tr)
	done := startJob(t, tr)
	if err := tr.Fail(ctx, done.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	old := time.Now().Add(-3 * time.Hour)
	for _, id := range []uint{stale.ID, done.ID} {
		if err := db.Model(&models.ImportJob{}).Where("id = ?", id).UpdateColumn("updated_at", old).Error; err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	n, err := tr.ExpireStale(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if got := mustGet(t, tr, stale.ID); got.Status != StatusFailed || !strings.Contains(got.ErrorMessage, "abandoned") {
		t.Errorf("stale job = %s %q", got.Status, got.ErrorMessage)
	}
	if got := mustGet(t, tr, fresh.ID); got.Status != StatusQueued {
		t.Errorf("fresh job = %s, want queued", got.Status)
	}
	if got := mustGet(t, tr, done.ID); got.ErrorMessage != "boom" {
		t.Errorf("terminal job message = %q, want untouched", got.ErrorMessage)
	}
}

func TestProgressFor(t *testing.T) {
	tests := []struct {
		stage            string
		processed, total int
		want             int
	}{
		{StatusQueued, 0, 0, 0},
		{StatusParsing, 5, 0, 0},
		{StatusValidating, 5, 10, 20},
		{StatusSaving, 10, 10, 100},
		{StatusSaving, 20, 10, 100},
		{StatusSaving, 0, 0, 30},
		{"bogus", 1, 1, 0},
	}
	for _, tt := range tests {
		if got := progressFor(tt.stage, tt.processed, tt.total); got != tt.want {
			t.Errorf("progressFor(%s, %d, %d) = %d, want %d", tt.stage, tt.processed, tt.total, got, tt.want)
		}
	}
}
