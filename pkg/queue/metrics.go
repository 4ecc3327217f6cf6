package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted    = "completed"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
)

// Metrics holds the worker collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskhub",
			Subsystem: "queue",
			Name:      "tasks_processed_total",
			Help:      "Tasks handled by queue workers, by queue, task name and outcome.",
		}, []string{"queue", "task", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskhub",
			Subsystem: "queue",
			Name:      "task_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "task"}),
	}
}

func (m *Metrics) observe(task *Task, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(task.Queue, task.TaskName, outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(task.Queue, task.TaskName).Observe(elapsed.Seconds())
	}
}
