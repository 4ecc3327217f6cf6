package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeDropped   = "dropped"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

// Metrics holds the webhook collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskhub",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Provider webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskhub",
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent reconciling one webhook event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func (m *Metrics) observe(eventType EventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(eventType), outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(string(eventType)).Observe(elapsed.Seconds())
	}
}
