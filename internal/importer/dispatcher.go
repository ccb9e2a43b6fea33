package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/fibreflow/internal/batch"
	"github.com/zulandar/fibreflow/internal/sow"
)

// Dispatcher runs submitted imports in the background. Jobs for the same
// project and step run one at a time in submission order; jobs for other
// keys run concurrently.
type Dispatcher struct {
	ctx context.Context
	im  *Importer
	log logrus.FieldLogger

	mu     sync.Mutex
	queues map[string][]queued
	wg     sync.WaitGroup
}

type queued struct {
	req    Request
	remove bool
}

// NewDispatcher returns a Dispatcher whose jobs run under ctx. Cancelling
// ctx interrupts running jobs; they are failed, not left in flight.
func NewDispatcher(ctx context.Context, im *Importer) *Dispatcher {
	return &Dispatcher{ctx: ctx, im: im, log: im.log, queues: make(map[string][]queued)}
}

// Submit records a queued job for req and schedules it. When removeAfter is
// set the file at req.Path is deleted once the run ends.
func (d *Dispatcher) Submit(req Request, removeAfter bool) (uint, error) {
	if req.ProjectID == "" {
		return 0, fmt.Errorf("importer: project id is required")
	}
	if _, err := sow.ParseKind(string(req.Kind)); err != nil {
		return 0, fmt.Errorf("importer: %w", err)
	}
	job, err := d.im.tracker.Start(d.ctx, req.ProjectID, string(req.Kind), req.FileName)
	if err != nil {
		return 0, fmt.Errorf("importer: %w", err)
	}
	req.JobID = job.ID

	key := req.ProjectID + "/" + string(req.Kind)
	d.wg.Add(1)
	d.mu.Lock()
	q, running := d.queues[key]
	d.queues[key] = append(q, queued{req: req, remove: removeAfter})
	d.mu.Unlock()
	if !running {
		go d.drain(key)
	}
	return job.ID, nil
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// drain runs the queue of key until it is empty.
func (d *Dispatcher) drain(key string) {
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		next := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.runOne(next.req, next.remove)
		d.wg.Done()
	}
}

func (d *Dispatcher) runOne(req Request, removeAfter bool) {
	_, err := d.im.Run(d.ctx, req)
	if removeAfter && req.Path != "" {
		if rerr := os.Remove(req.Path); rerr != nil && !os.IsNotExist(rerr) {
			d.log.WithError(rerr).WithField("path", req.Path).Warn("remove upload")
		}
	}
	var perr *batch.PersistenceError
	if err != nil && !errors.As(err, &perr) {
		d.log.WithError(err).WithField("job", req.JobID).Debug("background import ended with error")
	}
}
