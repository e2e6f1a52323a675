package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics names as constants for consistency.
const (
	MetricReconcileOrders      = "reconcile_orders_total"
	MetricReconcileEscalations = "reconcile_escalations_total"
)

// Metrics holds reconciler counters. A nil *Metrics records nothing.
type Metrics struct {
	orders      *prometheus.CounterVec
	escalations prometheus.Counter
}

// NewMetrics creates unregistered reconciler metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricReconcileOrders,
			Help: "Total number of orders examined by reconciliation by outcome",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconcileEscalations,
			Help: "Total number of orders that exceeded the reconciliation attempt limit",
		}),
	}
}

// Register registers all metrics with the given registry.
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
	return []prometheus.Collector{m.orders, m.escalations}
}

func (m *Metrics) incOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) incEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}
