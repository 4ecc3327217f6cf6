package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository is the storage contract required by Enqueuer.
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns ErrTaskNotFound when the task does not exist anymore.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// CancelTask removes a pending task. It reports false without error when
	// the task is missing, already claimed by a worker or finished.
	CancelTask(ctx context.Context, id uuid.UUID) (bool, error)
}

// Enqueuer adds tasks to the queue and manages delayed jobs by id.
type Enqueuer struct {
	repo            EnqueuerRepository
	defaultQueue    string
	defaultPriority Priority
	maxRetries      int8
	now             func() time.Time
}

// NewEnqueuer creates a new Enqueuer.
func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	e := &Enqueuer{
		repo:            repo,
		defaultQueue:    DefaultQueueName,
		defaultPriority: PriorityDefault,
		maxRetries:      3,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Enqueue adds a task built from payload and returns its id.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	if payload == nil {
		return uuid.Nil, ErrPayloadNil
	}

	options := &enqueueOptions{
		queue:      e.defaultQueue,
		priority:   e.defaultPriority,
		maxRetries: e.maxRetries,
	}
	for _, opt := range opts {
		opt(options)
	}

	if !options.priority.Valid() {
		return uuid.Nil, ErrInvalidPriority
	}

	task, err := e.buildTask(payload, options)
	if err != nil {
		return uuid.Nil, err
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task %q in queue %q: %w", task.TaskName, task.Queue, err)
	}

	return task.ID, nil
}

// Schedule adds payload to queueName so that it is delivered no earlier than
// delay from now. A non-positive delay is rejected with ErrNonPositiveDelay:
// callers decide whether a deadline that already passed should be skipped.
func (e *Enqueuer) Schedule(ctx context.Context, queueName string, payload any, delay time.Duration) (uuid.UUID, error) {
	if delay <= 0 {
		return uuid.Nil, ErrNonPositiveDelay
	}
	return e.Enqueue(ctx, payload, WithQueue(queueName), WithDelay(delay))
}

// Cancel removes a pending task. A task that is missing or already running is not an error.
func (e *Enqueuer) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	ok, err := e.repo.CancelTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}
	return ok, nil
}

// Get returns the task by id or nil when it does not exist.
func (e *Enqueuer) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	task, err := e.repo.GetTask(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

func (e *Enqueuer) buildTask(payload any, options *enqueueOptions) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(ErrPayloadMarshal, fmt.Errorf("payload of type %T: %w", payload, err))
	}

	name := options.taskName
	if name == "" {
		name = TaskNameOf(payload)
	}

	now := e.now()
	scheduledAt := now
	switch {
	case options.scheduledAt != nil:
		scheduledAt = *options.scheduledAt
	case options.delay > 0:
		scheduledAt = now.Add(options.delay)
	}

	return &Task{
		ID:          uuid.New(),
		Queue:       options.queue,
		TaskType:    TaskTypeOneTime,
		TaskName:    name,
		Payload:     data,
		Status:      TaskStatusPending,
		Priority:    options.priority,
		MaxRetries:  options.maxRetries,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
	}, nil
}
