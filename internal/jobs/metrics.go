// Package jobs records run counts, durations and freshness for the service's
// background jobs.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBackgroundJobLastSuccess = "background_job_last_success_timestamp_seconds"
)

const (
	JobTypeReconcileSweep = "reconcile_sweep"
	JobTypeReconcileOrder = "reconcile_order"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec

	now func() time.Time
}

// NewMetrics builds unregistered collectors; see Register.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobsTotal,
			Help: "Background job runs by job type and status.",
		}, []string{"job_type", "status"}),
		// Sweeps are bounded by the sweep interval, so buckets stop at two minutes.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBackgroundJobsDuration,
			Help:    "Background job run duration in seconds.",
			Buckets: prometheus.ExponentialBucketsRange(0.05, 120, 10),
		}, []string{"job_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobErrorsTotal,
			Help: "Background job errors by job type and error kind.",
		}, []string{"job_type", "error_type"}),
		// Alert on time() minus this gauge to catch a reconciler that stopped sweeping.
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricBackgroundJobLastSuccess,
			Help: "Unix time of the last successful run by job type.",
		}, []string{"job_type"}),
		now: time.Now,
	}
}

// Collectors lists every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runs, m.duration, m.errors, m.lastSuccess}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Finish records one completed run of jobType that began at started.
// Skipped runs are counted but not timed.
func (m *Metrics) Finish(jobType, status string, started time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(jobType, status).Inc()
	if status == StatusSkipped {
		return
	}
	end := m.now()
	m.duration.WithLabelValues(jobType).Observe(end.Sub(started).Seconds())
	if status == StatusSuccess {
		m.lastSuccess.WithLabelValues(jobType).Set(float64(end.UnixNano()) / 1e9)
	}
}

// IncJobErrors counts an error of kind errorType, such as "store_error",
// "gateway_error" or "timeout".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(jobType, errorType).Inc()
}
