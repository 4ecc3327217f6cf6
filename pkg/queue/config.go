package queue

import "time"

// Config holds the env driven queue settings.
type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"10"`
	KeyPrefix          string        `env:"QUEUE_KEY_PREFIX" envDefault:"taskhub"`
	Retention          time.Duration `env:"QUEUE_RETENTION" envDefault:"24h"`
	SchedulerInterval  time.Duration `env:"QUEUE_SCHEDULER_INTERVAL" envDefault:"30s"`
}
