package queue

import (
	"log/slog"
	"time"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often the scheduler looks for due entries.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerClock overrides the time source. Used by tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// SchedulerTaskOption configures one periodic entry.
type SchedulerTaskOption func(*periodicEntry)

// WithTaskQueue sets the queue of the periodic task.
func WithTaskQueue(queue string) SchedulerTaskOption {
	return func(e *periodicEntry) {
		if queue != "" {
			e.queue = queue
		}
	}
}

// WithTaskMaxRetries sets the retry budget of the periodic task (0-10).
func WithTaskMaxRetries(n int8) SchedulerTaskOption {
	return func(e *periodicEntry) {
		if n >= 0 && n <= 10 {
			e.maxRetries = n
		}
	}
}
