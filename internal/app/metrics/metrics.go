package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the controller's own Prometheus collectors, exposed on the
// operator API via /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	CanaryWeight     *prometheus.GaugeVec
	WeightChanges    *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	RollbackFailures *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CanaryWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canary_weight_percent",
			Help: "Current canary traffic weight per deployment.",
		}, []string{"deployment"}),
		WeightChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traffic_weight_changes_total",
			Help: "Number of applied traffic weight changes per deployment.",
		}, []string{"deployment"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_transitions_total",
			Help: "Promotion state machine transitions.",
		}, []string{"deployment", "from", "to"}),
		RollbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollback_failures_total",
			Help: "Rollbacks that exhausted their retry budget.",
		}, []string{"deployment"}),
	}
	m.Registry.MustRegister(m.CanaryWeight, m.WeightChanges, m.Transitions, m.RollbackFailures)
	return m
}
