package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine activity.
type Metrics struct {
	Starts       prometheus.Counter
	Advances     prometheus.Counter
	GateFailures prometheus.Counter
	Escalations  prometheus.Counter
	Rejections   prometheus.Counter
	Dispatches   *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Starts: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_workflow_starts_total",
			Help: "Workflows started.",
		}),
		Advances: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_workflow_advances_total",
			Help: "Successful state transitions.",
		}),
		GateFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_gate_failures_total",
			Help: "Gate verification failures.",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_escalations_total",
			Help: "Retry budgets exhausted.",
		}),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_submission_rejections_total",
			Help: "Evidence submissions rejected before gate evaluation.",
		}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_dispatches_total",
			Help: "State dispatches by state kind.",
		}, []string{"kind"}),
	}
}

// The inc helpers are nil-safe so the engine works without metrics.

func (m *Metrics) incStarts() {
	if m != nil {
		m.Starts.Inc()
	}
}

func (m *Metrics) incAdvances() {
	if m != nil {
		m.Advances.Inc()
	}
}

func (m *Metrics) incGateFailures() {
	if m != nil {
		m.GateFailures.Inc()
	}
}

func (m *Metrics) incEscalations() {
	if m != nil {
		m.Escalations.Inc()
	}
}

func (m *Metrics) incRejections() {
	if m != nil {
		m.Rejections.Inc()
	}
}

func (m *Metrics) incDispatch(kind string) {
	if m != nil {
		m.Dispatches.WithLabelValues(kind).Inc()
	}
}
