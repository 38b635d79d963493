package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts bus activity.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Enqueued    prometheus.Counter
	Acked       prometheus.Counter
	Submissions prometheus.Counter
}

// NewMetrics registers the bus metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_bus_requests_total",
			Help: "Bus requests by route.",
		}, []string{"route"}),
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_bus_messages_enqueued_total",
			Help: "Messages accepted for delivery.",
		}),
		Acked: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_bus_messages_acked_total",
			Help: "Messages removed by ack.",
		}),
		Submissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestra_bus_evidence_submissions_total",
			Help: "Evidence submissions received over the bus.",
		}),
	}
}

func (m *Metrics) incRoute(route string) {
	if m != nil {
		m.Requests.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) incEnqueued() {
	if m != nil {
		m.Enqueued.Inc()
	}
}

func (m *Metrics) incAcked() {
	if m != nil {
		m.Acked.Inc()
	}
}

func (m *Metrics) incSubmissions() {
	if m != nil {
		m.Submissions.Inc()
	}
}
