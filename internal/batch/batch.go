// Package batch splits upsertable records into fixed-size chunks and writes
// them strictly in order, continuing past failed chunks.
package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/fibreflow/internal/sow"
)

// DefaultSize is used when Options.BatchSize is not positive.
const DefaultSize = 500

// Upserter is the persistence boundary. Each call is one statement.
type Upserter interface {
	Upsert(ctx context.Context, projectID string, jobID uint, recs []sow.Record) (int64, error)
}

// Status is the outcome of one batch.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome describes one batch after it was attempted or skipped.
type Outcome struct {
	Seq          int
	FirstLine    int
	LastLine     int
	Rows         int
	RowsAffected int64
	Status       Status
	Err          error
}

// Range renders the source lines covered by the batch.
func (o Outcome) Range() string {
	return fmt.Sprintf("lines %d-%d", o.FirstLine, o.LastLine)
}

// Options tunes Run.
type Options struct {
	BatchSize int
	// ShouldStop is consulted before each batch. Returning true skips the
	// batch and every batch after it.
	ShouldStop func() bool
	// OnBatch is called after each batch, in order.
	OnBatch func(Outcome)
}

// Result summarises a run. Persisted counts rows in committed batches.
type Result struct {
	Batches   []Outcome
	Persisted int
	Failed    int
	Skipped   int
	Stopped   bool
}

// Err returns a *PersistenceError when any batch failed.
func (r Result) Err() error {
	var failed []Outcome
	for _, o := range r.Batches {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &PersistenceError{Total: len(r.Batches), Failed: failed}
}

// PersistenceError lists the batches whose upsert failed. Earlier and later
// batches are not rolled back.
type PersistenceError struct {
	Total  int
	Failed []Outcome
}

func (e *PersistenceError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, o := range e.Failed {
		parts[i] = fmt.Sprintf("batch %d (%s, %d rows): %v", o.Seq, o.Range(), o.Rows, o.Err)
	}
	return fmt.Sprintf("batch: %d of %d batches failed: %s", len(e.Failed), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes the first underlying failure.
func (e *PersistenceError) Unwrap() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e.Failed[0].Err
}

// Chunks splits recs into contiguous slices of at most size records.
func Chunks(recs []sow.Record, size int) [][]sow.Record {
	if size <= 0 {
		size = DefaultSize
	}
	var out [][]sow.Record
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		out = append(out, recs[start:end])
	}
	return out
}

// Run upserts recs in chunks, one after another. A failed chunk is recorded
// and the next chunk is still attempted. When ctx is done or ShouldStop
// reports true, the remaining chunks are marked skipped; Run returns
// ctx.Err() in the former case.
func Run(ctx context.Context, up Upserter, projectID string, jobID uint, recs []sow.Record, opts Options) (Result, error) {
	var res Result
	chunks := Chunks(recs, opts.BatchSize)
	var ctxErr error

	for i, chunk := range chunks {
		o := Outcome{
			Seq:       i + 1,
			FirstLine: chunk[0].SourceLine(),
			LastLine:  chunk[len(chunk)-1].SourceLine(),
			Rows:      len(chunk),
		}

		if !res.Stopped {
			if err := ctx.Err(); err != nil {
				ctxErr = err
				res.Stopped = true
			} else if opts.ShouldStop != nil && opts.ShouldStop() {
				res.Stopped = true
			}
		}

		switch {
		case res.Stopped:
			o.Status = StatusSkipped
			res.Skipped += o.Rows
		default:
			n, err := up.Upsert(ctx, projectID, jobID, chunk)
			if err != nil {
				o.Status = StatusFailed
				o.Err = err
				res.Failed += o.Rows
			} else {
				o.Status = StatusCommitted
				o.RowsAffected = n
				res.Persisted += o.Rows
			}
		}

		res.Batches = append(res.Batches, o)
		if opts.OnBatch != nil {
			opts.OnBatch(o)
		}
	}
	return res, ctxErr
}
