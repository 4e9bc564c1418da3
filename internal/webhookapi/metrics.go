package webhookapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

// Metrics counts webhook calls. A nil *Metrics records nothing.
type Metrics struct {
	Requests *prometheus.CounterVec
}

// NewMetrics registers webhook metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentodo_webhook_requests_total",
			Help: "Webhook calls by source and result.",
		}, []string{"source", "result"}),
	}
	reg.MustRegister(m.Requests)
	return m
}

func (m *Metrics) observe(src triage.Source, result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(string(src), result).Inc()
}
