package batch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/fibreflow/internal/sow"
)

type call struct {
	project string
	job     uint
	keys    []string
}

// fakeUpserter records calls and fails the batches listed in failOn (1-based).
type fakeUpserter struct {
	calls  []call
	failOn map[int]bool
}

func (f *fakeUpserter) Upsert(_ context.Context, projectID string, jobID uint, recs []sow.Record) (int64, error) {
	c := call{project: projectID, job: jobID}
	for _, r := range recs {
		c.keys = append(c.keys, r.Key())
	}
	f.calls = append(f.calls, c)
	if f.failOn[len(f.calls)] {
		return 0, errors.New("deadlock detected")
	}
	return int64(len(recs)), nil
}

func poles(n int) []sow.Record {
	out := make([]sow.Record, n)
	for i := range out {
		out[i] = sow.PoleRow{Line: i + 2, PoleNumber: "P" + string(rune('A'+i%26)) + string(rune('0'+i/26))}
	}
	return out
}

func TestChunks(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 3, nil},
		{3, 3, []int{3}},
		{7, 3, []int{3, 3, 1}},
		{2, 0, []int{2}},
	}
	for _, tt := range tests {
		got := Chunks(poles(tt.n), tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("Chunks(%d, %d) = %d chunks, want %d", tt.n, tt.size, len(got), len(tt.want))
			continue
		}
		for i, c := range got {
			if len(c) != tt.want[i] {
				t.Errorf("Chunks(%d, %d)[%d] = %d rows, want %d", tt.n, tt.size, i, len(c), tt.want[i])
			}
		}
	}
}

func TestRun_AllCommitted(t *testing.T) {
	up := &fakeUpserter{}
	var seen []int
	res, err := Run(context.Background(), up, "LAW-1", 9, poles(5), Options{
		BatchSize: 2,
		OnBatch:   func(o Outcome) { seen = append(seen, o.Seq) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(up.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(up.calls))
	}
	if up.calls[0].project != "LAW-1" || up.calls[0].job != 9 {
		t.Errorf("call scope = %+v", up.calls[0])
	}
	if res.Persisted != 5 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("OnBatch order = %v, want [1 2 3]", seen)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
	last := res.Batches[2]
	if last.FirstLine != 6 || last.LastLine != 6 || last.RowsAffected != 1 {
		t.Errorf("last batch = %+v", last)
	}
}

func TestRun_MiddleBatchFails(t *testing.T) {
	up := &fakeUpserter{failOn: map[int]bool{2: true}}
	res, err := Run(context.Background(), up, "LAW-1", 1, poles(7), Options{BatchSize: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(up.calls) != 3 {
		t.Fatalf("calls = %d, want 3 (batch 3 still attempted)", len(up.calls))
	}
	if res.Persisted != 4 {
		t.Errorf("Persisted = %d, want 3+1", res.Persisted)
	}
	if res.Failed != 3 {
		t.Errorf("Failed = %d, want 3", res.Failed)
	}
	want := []Status{StatusCommitted, StatusFailed, StatusCommitted}
	for i, o := range res.Batches {
		if o.Status != want[i] {
			t.Errorf("batch %d status = %s, want %s", i+1, o.Status, want[i])
		}
	}

	perr := res.Err()
	var pe *PersistenceError
	if !errors.As(perr, &pe) {
		t.Fatalf("Err() = %v, want *PersistenceError", perr)
	}
	if len(pe.Failed) != 1 || pe.Failed[0].Seq != 2 {
		t.Errorf("Failed = %+v", pe.Failed)
	}
	if !strings.Contains(perr.Error(), "batch 2 (lines 5-7, 3 rows): deadlock detected") {
		t.Errorf("error = %q", perr)
	}
	if !strings.HasPrefix(perr.Error(), "batch: 1 of 3 batches failed") {
		t.Errorf("error = %q", perr)
	}
	if errors.Unwrap(perr).Error() != "deadlock detected" {
		t.Errorf("Unwrap = %v", errors.Unwrap(perr))
	}
}

func TestRun_ShouldStopSkipsRemaining(t *testing.T) {
	up := &fakeUpserter{}
	checks := 0
	res, err := Run(context.Background(), up, "LAW-1", 1, poles(6), Options{
		BatchSize: 2,
		ShouldStop: func() bool {
			checks++
			return checks == 2
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(up.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(up.calls))
	}
	if !res.Stopped || res.Persisted != 2 || res.Skipped != 4 {
		t.Errorf("result = %+v", res)
	}
	if checks != 2 {
		t.Errorf("ShouldStop called %d times, want 2", checks)
	}
	if res.Batches[2].Status != StatusSkipped {
		t.Errorf("batch 3 = %s, want skipped", res.Batches[2].Status)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUpserter{}
	res, err := Run(ctx, up, "LAW-1", 1, poles(4), Options{
		BatchSize: 2,
		OnBatch:   func(Outcome) { cancel() },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(up.calls) != 1 || res.Persisted != 2 || res.Skipped != 2 {
		t.Errorf("calls=%d result=%+v", len(up.calls), res)
	}
}

func TestRun_Empty(t *testing.T) {
	up := &fakeUpserter{}
	res, err := Run(context.Background(), up, "LAW-1", 1, nil, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(up.calls) != 0 || len(res.Batches) != 0 {
		t.Errorf("empty run made %d calls, %d batches", len(up.calls), len(res.Batches))
	}
}
