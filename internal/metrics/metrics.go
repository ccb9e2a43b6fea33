// Package metrics exposes Prometheus collectors for the import pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	rowsTotal     *prometheus.CounterVec
	batchLatency  *prometheus.HistogramVec
	inProgress    *prometheus.GaugeVec
	expiredTotal  prometheus.Counter
	parseDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fibreflow",
			Name:      "import_jobs_total",
			Help:      "Import jobs by step and terminal status.",
		}, []string{"step", "status"}),
		rowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fibreflow",
			Name:      "import_rows_total",
			Help:      "Rows seen by the import pipeline, by outcome.",
		}, []string{"step", "outcome"}),
		batchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fibreflow",
			Name:      "import_batch_duration_seconds",
			Help:      "Latency of one batch upsert.",
			Buckets: []float64{
				0.005, 0.01, 0.025,
				0.05, 0.1, 0.25,
				0.5, 1, 2.5, 5, 10,
			},
		}, []string{"step", "result"}),
		inProgress: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fibreflow",
			Name:      "import_jobs_in_progress",
			Help:      "Import jobs currently running in this process.",
		}, []string{"step"}),
		expiredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fibreflow",
			Name:      "import_jobs_expired_total",
			Help:      "Abandoned jobs failed by the reaper.",
		}),
		parseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fibreflow",
			Name:      "import_parse_duration_seconds",
			Help:      "Time spent reading and validating an upload.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted(step string) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(step).Inc()
}

// JobFinished records a job's terminal status.
func (m *Metrics) JobFinished(step, status string) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(step).Dec()
	m.jobsTotal.WithLabelValues(step, status).Inc()
}

// Rows adds n rows with the given outcome (valid, invalid, duplicate,
// existing, orphan, persisted, failed, skipped).
func (m *Metrics) Rows(step, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsTotal.WithLabelValues(step, outcome).Add(float64(n))
}

// Batch observes one batch upsert.
func (m *Metrics) Batch(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchLatency.WithLabelValues(step, result).Observe(d.Seconds())
}

// Parsed observes the read-and-validate phase of a job.
func (m *Metrics) Parsed(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.parseDuration.WithLabelValues(step).Observe(d.Seconds())
}

// Expired counts jobs failed by the reaper.
func (m *Metrics) Expired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTotal.Add(float64(n))
}
