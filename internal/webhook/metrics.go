package webhook

import "github.com/prometheus/client_golang/prometheus"

// MetricWebhookEvents counts processed callbacks by type and result.
const MetricWebhookEvents = "webhook_events_total"

// Result labels.
const (
	ResultApplied          = "applied"
	ResultNoop             = "noop"
	ResultIgnored          = "ignored"
	ResultInvalidSignature = "invalid_signature"
	ResultMalformed        = "malformed"
	ResultError            = "error"
)

// Metrics holds webhook counters. A nil *Metrics records nothing.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics creates unregistered webhook metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricWebhookEvents,
			Help: "Total number of gateway webhook events by type and result",
		}, []string{"event_type", "result"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.events)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.events}
}

func (m *Metrics) inc(eventType, result string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType, result).Inc()
}
