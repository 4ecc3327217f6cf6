package queue

import "time"

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithDefaultQueue sets the queue used when Enqueue gets no WithQueue option.
func WithDefaultQueue(queue string) EnqueuerOption {
	return func(e *Enqueuer) {
		if queue != "" {
			e.defaultQueue = queue
		}
	}
}

// WithDefaultPriority sets the default priority.
func WithDefaultPriority(priority Priority) EnqueuerOption {
	return func(e *Enqueuer) {
		if priority.Valid() {
			e.defaultPriority = priority
		}
	}
}

// WithDefaultMaxRetries sets the default retry budget of new tasks (0-10).
func WithDefaultMaxRetries(n int8) EnqueuerOption {
	return func(e *Enqueuer) {
		if n >= 0 && n <= 10 {
			e.maxRetries = n
		}
	}
}

// WithEnqueuerClock overrides the time source. Used by tests.
func WithEnqueuerClock(now func() time.Time) EnqueuerOption {
	return func(e *Enqueuer) {
		if now != nil {
			e.now = now
		}
	}
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue       string
	priority    Priority
	maxRetries  int8
	delay       time.Duration
	scheduledAt *time.Time
	taskName    string
}

// WithQueue sets the queue for the task.
func WithQueue(queue string) EnqueueOption {
	return func(o *enqueueOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithPriority sets the priority for the task.
func WithPriority(priority Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithMaxRetries sets the maximum number of retries (0-10).
func WithMaxRetries(maxRetries int8) EnqueueOption {
	return func(o *enqueueOptions) {
		if maxRetries >= 0 && maxRetries <= 10 {
			o.maxRetries = maxRetries
		}
	}
}

// WithDelay postpones delivery by d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithScheduledAt sets the exact delivery instant. It wins over WithDelay.
func WithScheduledAt(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledAt = &at
	}
}

// WithTaskName overrides the name derived from the payload type.
func WithTaskName(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.taskName = name
		}
	}
}
