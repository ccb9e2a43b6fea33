package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Reaper periodically fails jobs abandoned by a crashed or killed worker.
type Reaper struct {
	tracker    *Tracker
	schedule   cron.Schedule
	staleAfter time.Duration
	log        logrus.FieldLogger

	// OnExpire, when set, is called with the count of each non-empty sweep.
	OnExpire func(n int64)
}

// NewReaper validates the cron expression and returns a Reaper.
func NewReaper(t *Tracker, schedule string, staleAfter time.Duration, log logrus.FieldLogger) (*Reaper, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("tracker: reaper schedule %q: %w", schedule, err)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("tracker: reaper stale threshold must be positive, got %s", staleAfter)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reaper{tracker: t, schedule: sched, staleAfter: staleAfter, log: log}, nil
}

// Sweep runs one expiry pass.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.tracker.ExpireStale(ctx, r.staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.WithFields(logrus.Fields{"jobs": n, "stale_after": r.staleAfter.String()}).
			Warn("failed abandoned import jobs")
		if r.OnExpire != nil {
			r.OnExpire(n)
		}
	}
	return n, nil
}

// Next returns the wait until the next scheduled sweep after now.
func (r *Reaper) Next(now time.Time) time.Duration {
	d := r.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Run sweeps on schedule until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	timer := time.NewTimer(r.Next(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.WithError(err).Error("reaper sweep failed")
			}
			timer.Reset(r.Next(time.Now()))
		}
	}
}
