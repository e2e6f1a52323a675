package payment

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/paycapture/internal/breaker"
)

// Metrics names as constants for consistency.
const (
	MetricPaymentAttempts         = "payment_attempts_total"
	MetricPaymentResults          = "payment_results_total"
	MetricPaymentAttemptDuration  = "payment_attempt_duration_seconds"
	MetricCircuitBreakerState     = "circuit_breaker_state"
	MetricCircuitBreakerRejection = "circuit_breaker_rejections_total"
	MetricRefunds                 = "refunds_total"
)

// Attempt outcome labels.
const (
	AttemptSuccess  = "success"
	AttemptTimeout  = "timeout"
	AttemptRejected = "rejected"
	AttemptDeclined = "declined"
)

// Result labels for payment_results_total and refunds_total.
const (
	ResultCompleted   = "completed"
	ResultFailed      = "failed"
	ResultReplayed    = "replayed"
	ResultConflict    = "conflict"
	ResultUnavailable = "unavailable"
	ResultCancelled   = "cancelled"
	ResultAccepted    = "accepted"
	ResultRejected    = "rejected"
	ResultInvalid     = "invalid"
	ResultTimeout     = "timeout"
)

// Metrics contains Prometheus metrics for the payment coordinator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts          *prometheus.CounterVec
	results           *prometheus.CounterVec
	attemptDuration   prometheus.Histogram
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec
	refunds           *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPaymentAttempts,
			Help: "Total number of gateway charge attempts by outcome",
		}, []string{"outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPaymentResults,
			Help: "Total number of ProcessPayment calls by result",
		}, []string{"result"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPaymentAttemptDuration,
			Help:    "Histogram of gateway charge attempt duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricCircuitBreakerState,
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCircuitBreakerRejection,
			Help: "Total number of calls rejected by an open circuit breaker",
		}, []string{"breaker"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRefunds,
			Help: "Total number of refund requests by result",
		}, []string{"result"}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.attempts,
		m.results,
		m.attemptDuration,
		m.breakerState,
		m.breakerRejections,
		m.refunds,
	}
}

// ObserveAttempt records one gateway charge attempt.
func (m *Metrics) ObserveAttempt(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.Observe(seconds)
}

// IncResult counts a ProcessPayment result.
func (m *Metrics) IncResult(result string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(result).Inc()
}

// IncRefund counts an InitiateRefund result.
func (m *Metrics) IncRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

// IncBreakerRejection counts a call rejected by the named breaker.
func (m *Metrics) IncBreakerRejection(name string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(name).Inc()
}

// SetBreakerState reports a breaker transition. Its signature matches
// breaker.Settings.OnStateChange.
func (m *Metrics) SetBreakerState(name string, _, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
}
