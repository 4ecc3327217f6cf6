package queue

import (
	"log/slog"
	"time"
)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueues sets which queues the worker pulls from, in polling order.
func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		if len(queues) > 0 {
			w.queues = queues
		}
	}
}

// WithPullInterval sets how often the worker checks for due tasks.
func WithPullInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLockTimeout sets for how long a claimed task stays invisible to other workers.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lock = d
		}
	}
}

// WithMaxConcurrentTasks limits how many tasks run at the same time.
func WithMaxConcurrentTasks(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.slots = make(chan struct{}, n)
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWorkerMetrics enables prometheus instrumentation.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithConfig applies the env driven Config.
func WithConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		WithPullInterval(cfg.PollInterval)(w)
		WithLockTimeout(cfg.LockTimeout)(w)
		WithMaxConcurrentTasks(cfg.MaxConcurrentTasks)(w)
	}
}
