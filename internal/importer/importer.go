// Package importer runs one SOW upload end to end: parse, validate,
// deduplicate, batch upsert, with the job tracker updated at each stage.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/fibreflow/internal/batch"
	"github.com/zulandar/fibreflow/internal/metrics"
	"github.com/zulandar/fibreflow/internal/sow"
	"github.com/zulandar/fibreflow/internal/sowfile"
	"github.com/zulandar/fibreflow/internal/tracker"
)

// Store is the persistence the pipeline needs.
type Store interface {
	batch.Upserter
	ExistingKeys(ctx context.Context, projectID string, kind sow.Kind) (map[string]struct{}, error)
}

// Deps wires an Importer.
type Deps struct {
	Store           Store
	Tracker         *tracker.Tracker
	Metrics         *metrics.Metrics
	Log             logrus.FieldLogger
	BatchSize       int
	DefaultMaxDrops int
}

// Importer runs import jobs. It holds no per-job state.
type Importer struct {
	store     Store
	tracker   *tracker.Tracker
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	batchSize int
	opts      sow.Options
}

// New returns an Importer. BatchSize defaults to batch.DefaultSize.
func New(d Deps) *Importer {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	size := d.BatchSize
	if size <= 0 {
		size = batch.DefaultSize
	}
	return &Importer{
		store:     d.Store,
		tracker:   d.Tracker,
		metrics:   d.Metrics,
		log:       log,
		batchSize: size,
		opts:      sow.Options{DefaultMaxDrops: d.DefaultMaxDrops},
	}
}

// Request describes one upload. Body is read when set, otherwise Path is
// opened. JobID names a queued job created earlier; zero starts a new one.
type Request struct {
	ProjectID string
	Kind      sow.Kind
	FileName  string
	Body      io.Reader
	Path      string
	JobID     uint
	// FromLine skips data rows before this source line, for re-submitting
	// the unprocessed tail of a file.
	FromLine int
}

// Summary is the outcome of a run.
type Summary struct {
	JobID     uint
	ProjectID string
	Kind      sow.Kind
	Status    string
	Counts    tracker.Counts
	Batches   []batch.Outcome
	Issues    []string
}

// run is the state of one job invocation.
type run struct {
	im      *Importer
	req     Request
	jobID   uint
	log     logrus.FieldLogger
	summary *Summary
}

// Run executes req to a terminal status. Format and schema problems fail
// the job before anything is written. Failed batches fail the job after
// every remaining batch was attempted; the returned error is then a
// *batch.PersistenceError. The Summary is non-nil whenever a job exists.
func (im *Importer) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("importer: project id is required")
	}
	if _, err := sow.ParseKind(string(req.Kind)); err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.Path)
	}

	jobID := req.JobID
	if jobID == 0 {
		job, err := im.tracker.Start(ctx, req.ProjectID, string(req.Kind), req.FileName)
		if err != nil {
			return nil, fmt.Errorf("importer: %w", err)
		}
		jobID = job.ID
	}

	r := &run{
		im:    im,
		req:   req,
		jobID: jobID,
		log: im.log.WithFields(logrus.Fields{
			"job":     jobID,
			"project": req.ProjectID,
			"step":    req.Kind,
			"file":    req.FileName,
		}),
		summary: &Summary{JobID: jobID, ProjectID: req.ProjectID, Kind: req.Kind, Status: tracker.StatusQueued},
	}

	im.metrics.JobStarted(string(req.Kind))
	err := r.execute(ctx)
	im.metrics.JobFinished(string(req.Kind), r.summary.Status)
	return r.summary, err
}

func (r *run) execute(ctx context.Context) error {
	im := r.im
	kind := r.req.Kind
	r.log.Info("import started")

	if err := r.advance(ctx, tracker.StatusParsing, 0, 0); err != nil {
		return err
	}
	parseStart := time.Now()
	header, rows, err := r.read()
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.advance(ctx, tracker.StatusParsing, len(rows), 0); err != nil {
		return err
	}

	if err := r.advance(ctx, tracker.StatusValidating, 0, 0); err != nil {
		return err
	}
	mapper, err := sow.NewMapper(kind, header)
	if err != nil {
		return r.fail(ctx, err)
	}
	v, err := mapper.Validate(rows, im.opts)
	if err != nil {
		return r.fail(ctx, err)
	}

	existing, err := im.store.ExistingKeys(ctx, r.req.ProjectID, kind)
	if err != nil {
		return r.fail(ctx, err)
	}
	d := sow.Dedupe(v.Valid, existing)
	upsertable := d.Upsertable()

	var orphans []sow.DropRow
	if kind == sow.KindDrops {
		poles, err := im.store.ExistingKeys(ctx, r.req.ProjectID, sow.KindPoles)
		if err != nil {
			return r.fail(ctx, err)
		}
		orphans = sow.OrphanDrops(upsertable, poles)
	}

	counts := tracker.Counts{
		Total:     len(rows),
		Valid:     len(v.Valid),
		Invalid:   len(v.Invalid),
		Duplicate: len(d.DuplicateInBatch),
		Existing:  len(d.DuplicateOfExisting),
		Orphan:    len(orphans),
	}
	r.summary.Counts = counts
	r.summary.Issues = collectIssues(v.Invalid, d.DuplicateInBatch, orphans)
	im.metrics.Parsed(string(kind), time.Since(parseStart))
	im.metrics.Rows(string(kind), "valid", counts.Valid)
	im.metrics.Rows(string(kind), "invalid", counts.Invalid)
	im.metrics.Rows(string(kind), "duplicate", counts.Duplicate)
	im.metrics.Rows(string(kind), "existing", counts.Existing)
	im.metrics.Rows(string(kind), "orphan", counts.Orphan)

	if err := im.tracker.SetCounts(ctx, r.jobID, counts, r.summary.Issues); err != nil {
		return r.trackerErr(ctx, err)
	}
	if err := r.advance(ctx, tracker.StatusValidating, len(rows), len(r.summary.Issues)); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"rows":      counts.Total,
		"valid":     counts.Valid,
		"invalid":   counts.Invalid,
		"duplicate": counts.Duplicate,
		"existing":  counts.Existing,
		"orphan":    counts.Orphan,
	}).Info("validation finished")

	if err := r.advance(ctx, tracker.StatusSaving, 0, len(r.summary.Issues)); err != nil {
		return err
	}
	res, runErr := r.save(ctx, upsertable)
	r.summary.Batches = res.Batches
	r.summary.Counts.Persisted = res.Persisted
	r.summary.Counts.Failed = res.Failed
	im.metrics.Rows(string(kind), "persisted", res.Persisted)
	im.metrics.Rows(string(kind), "failed", res.Failed)
	im.metrics.Rows(string(kind), "skipped", res.Skipped)

	switch {
	case runErr != nil:
		return r.fail(ctx, fmt.Errorf("importer: interrupted after %d of %d rows: %w", res.Persisted, len(upsertable), runErr))
	case res.Stopped:
		r.summary.Status = tracker.StatusCancelled
		r.log.WithFields(logrus.Fields{"persisted": res.Persisted, "skipped": res.Skipped}).Warn("import cancelled")
		return nil
	}

	if perr := res.Err(); perr != nil {
		r.summary.Status = tracker.StatusFailed
		fctx := context.WithoutCancel(ctx)
		if err := im.tracker.Fail(fctx, r.jobID, perr.Error()); err != nil {
			r.log.WithError(err).Error("record job failure")
		}
		r.log.WithError(perr).WithFields(logrus.Fields{
			"persisted": res.Persisted,
			"failed":    res.Failed,
		}).Error("import finished with failed batches")
		return perr
	}

	if err := im.tracker.Complete(ctx, r.jobID, r.summary.Counts); err != nil {
		return r.trackerErr(ctx, err)
	}
	r.summary.Status = tracker.StatusCompleted
	r.log.WithFields(logrus.Fields{"persisted": res.Persisted, "batches": len(res.Batches)}).Info("import completed")
	return nil
}

// read parses the upload into its header and data rows.
func (r *run) read() ([]string, []sowfile.RawRow, error) {
	var (
		rd  sowfile.Reader
		err error
	)
	if r.req.Body != nil {
		rd, err = sowfile.Open(r.req.FileName, r.req.Body)
	} else {
		rd, err = r.openPath()
	}
	if err != nil {
		return nil, nil, err
	}
	defer rd.Close()

	var rows []sowfile.RawRow
	for {
		row, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if row.Line < r.req.FromLine {
			continue
		}
		rows = append(rows, row)
	}
	return rd.Header(), rows, nil
}

// openPath opens req.Path but parses it under req.FileName, since uploads
// are stored under generated names.
func (r *run) openPath() (sowfile.Reader, error) {
	f, err := os.Open(r.req.Path)
	if err != nil {
		return nil, fmt.Errorf("importer: open upload: %w", err)
	}
	rd, err := sowfile.Open(r.req.FileName, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return closeBoth{Reader: rd, f: f}, nil
}

type closeBoth struct {
	sowfile.Reader
	f *os.File
}

func (c closeBoth) Close() error {
	err := c.Reader.Close()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// save runs the batch engine with cancellation checks and ledger updates.
func (r *run) save(ctx context.Context, recs []sow.Record) (batch.Result, error) {
	im := r.im
	timed := &timedUpserter{next: im.store}
	return batch.Run(ctx, timed, r.req.ProjectID, r.jobID, recs, batch.Options{
		BatchSize: im.batchSize,
		ShouldStop: func() bool {
			cancelled, err := im.tracker.IsCancelled(ctx, r.jobID)
			if err != nil {
				r.log.WithError(err).Warn("cancellation check failed, continuing")
				return false
			}
			return cancelled
		},
		OnBatch: func(o batch.Outcome) {
			if o.Status != batch.StatusSkipped {
				im.metrics.Batch(string(r.req.Kind), string(o.Status), timed.last)
			}
			entry := r.log.WithFields(logrus.Fields{
				"batch":  o.Seq,
				"lines":  o.Range(),
				"rows":   o.Rows,
				"status": o.Status,
			})
			if o.Err != nil {
				entry.WithError(o.Err).Error("batch failed")
			} else {
				entry.Debug("batch done")
			}
			if err := im.tracker.RecordBatch(context.WithoutCancel(ctx), r.jobID, o); err != nil {
				r.log.WithError(err).Error("record batch")
			}
		},
	})
}

// advance moves the job forward. A cancelled or vanished job stops the run.
func (r *run) advance(ctx context.Context, stage string, processed, errorsSoFar int) error {
	if err := r.im.tracker.Advance(ctx, r.jobID, stage, processed, errorsSoFar); err != nil {
		return r.trackerErr(ctx, err)
	}
	r.summary.Status = stage
	return nil
}

// trackerErr handles a tracker write that failed mid-run. A job cancelled
// before saving ends here without touching the store; a job that is still
// live is failed so it does not wait for the reaper.
func (r *run) trackerErr(ctx context.Context, err error) error {
	if cancelled, cerr := r.im.tracker.IsCancelled(context.WithoutCancel(ctx), r.jobID); cerr == nil && cancelled {
		r.summary.Status = tracker.StatusCancelled
		r.log.Warn("import cancelled before saving")
		return nil
	}
	wrapped := fmt.Errorf("importer: job %d: %w", r.jobID, err)
	if errors.Is(err, tracker.ErrTerminal) || errors.Is(err, tracker.ErrNotFound) {
		r.summary.Status = tracker.StatusFailed
		return wrapped
	}
	return r.fail(ctx, wrapped)
}

// fail records a fatal error on the job and returns it.
func (r *run) fail(ctx context.Context, cause error) error {
	r.summary.Status = tracker.StatusFailed
	r.log.WithError(cause).Error("import failed")
	if err := r.im.tracker.Fail(context.WithoutCancel(ctx), r.jobID, cause.Error()); err != nil {
		if errors.Is(err, tracker.ErrTerminal) {
			if cancelled, _ := r.im.tracker.IsCancelled(context.WithoutCancel(ctx), r.jobID); cancelled {
				r.summary.Status = tracker.StatusCancelled
			}
		}
		r.log.WithError(err).Error("record job failure")
	}
	return cause
}

type issue struct {
	line int
	msg  string
}

// collectIssues merges row problems into one list ordered by source line.
func collectIssues(invalid []sow.Invalid, dups []sow.Duplicate, orphans []sow.DropRow) []string {
	var all []issue
	for _, iv := range invalid {
		all = append(all, issue{iv.Line, iv.Error()})
	}
	for _, d := range dups {
		all = append(all, issue{d.Record.SourceLine(), d.Warning()})
	}
	for _, o := range orphans {
		all = append(all, issue{o.Line, sow.OrphanWarning(o)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].line < all[j].line })
	out := make([]string, len(all))
	for i, is := range all {
		out[i] = is.msg
	}
	return out
}

// timedUpserter remembers how long the last upsert took.
type timedUpserter struct {
	next batch.Upserter
	last time.Duration
}

func (t *timedUpserter) Upsert(ctx context.Context, projectID string, jobID uint, recs []sow.Record) (int64, error) {
	start := time.Now()
	n, err := t.next.Upsert(ctx, projectID, jobID, recs)
	t.last = time.Since(start)
	return n, err
}
