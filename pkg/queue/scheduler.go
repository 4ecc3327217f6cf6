package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SchedulerRepository is the storage contract required by Scheduler.
type SchedulerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
	// GetPendingTaskByName returns ErrTaskNotFound when no pending instance exists.
	GetPendingTaskByName(ctx context.Context, name string) (*Task, error)
}

// Scheduler materializes periodic tasks: for every registered entry it keeps
// exactly one pending instance in the storage, scheduled at the next run.
type Scheduler struct {
	repo     SchedulerRepository
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*periodicEntry
}

type periodicEntry struct {
	name       string
	schedule   Schedule
	queue      string
	maxRetries int8
	next       time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	s := &Scheduler{
		repo:     repo,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		entries:  make(map[string]*periodicEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddTask registers a periodic task. The worker must have a handler created
// with NewPeriodicTaskHandler under the same name.
func (s *Scheduler) AddTask(name string, schedule Schedule, opts ...SchedulerTaskOption) error {
	entry := &periodicEntry{
		name:       name,
		schedule:   schedule,
		queue:      DefaultQueueName,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return ErrTaskAlreadyRegistered
	}
	s.entries[name] = entry

	s.logger.Info("registered periodic task",
		slog.String("task_name", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Run returns a function suitable for errgroup.Go.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		err := s.Start(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Start blocks, materializing due tasks every check interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	empty := len(s.entries) == 0
	s.mu.Unlock()
	if empty {
		return ErrSchedulerNotConfigured
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one materialization pass.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*periodicEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := s.now()
	for _, e := range entries {
		if err := s.ensure(ctx, e, now); err != nil {
			s.logger.Error("failed to schedule periodic task",
				slog.String("task_name", e.name),
				slog.Any("error", err))
		}
	}
}

func (s *Scheduler) ensure(ctx context.Context, e *periodicEntry, now time.Time) error {
	s.mu.Lock()
	next := e.next
	s.mu.Unlock()
	if !next.IsZero() && next.After(now) {
		return nil
	}

	existing, err := s.repo.GetPendingTaskByName(ctx, e.name)
	switch {
	case err == nil:
		s.setNext(e, existing.ScheduledAt)
		return nil
	case !errors.Is(err, ErrTaskNotFound):
		return err
	}

	runAt := e.schedule.Next(now)
	task := &Task{
		ID:          uuid.New(),
		Queue:       e.queue,
		TaskType:    TaskTypePeriodic,
		TaskName:    e.name,
		Status:      TaskStatusPending,
		Priority:    PriorityDefault,
		MaxRetries:  e.maxRetries,
		ScheduledAt: runAt,
		CreatedAt:   now,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create periodic task: %w", err)
	}
	s.setNext(e, runAt)

	s.logger.Debug("created periodic task",
		slog.String("task_name", e.name),
		slog.Time("scheduled_for", runAt))
	return nil
}

func (s *Scheduler) setNext(e *periodicEntry, at time.Time) {
	s.mu.Lock()
	e.next = at
	s.mu.Unlock()
}
