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

// WorkerRepository is the storage contract required by Worker.
type WorkerRepository interface {
	// ClaimTask atomically claims the next due task or returns ErrNoTaskToClaim.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID) error
	// FailTask records the error and either reschedules the task or marks it failed.
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error
	MoveToDLQ(ctx context.Context, taskID uuid.UUID) error
	ExtendLock(ctx context.Context, taskID uuid.UUID, duration time.Duration) error
}

// Worker claims due tasks and dispatches them to registered handlers.
type Worker struct {
	repo     WorkerRepository
	id       uuid.UUID
	queues   []string
	interval time.Duration
	lock     time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	done     chan struct{}

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewWorker creates a worker. Handlers must be registered before Start.
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	w := &Worker{
		repo:     repo,
		id:       uuid.New(),
		queues:   []string{DefaultQueueName},
		interval: 5 * time.Second,
		lock:     5 * time.Minute,
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		slots:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ID returns the worker identity written into task locks.
func (w *Worker) ID() uuid.UUID { return w.id }

// RegisterHandlers adds handlers; a later handler with the same name replaces the earlier one.
func (w *Worker) RegisterHandlers(handlers ...Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			w.handlers[h.Name()] = h
		}
	}
}

// Start begins polling in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerStarted
	}
	if len(w.handlers) == 0 {
		return ErrNoHandlers
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.logger.Info("worker started",
		slog.String("worker_id", w.id.String()),
		slog.Any("queues", w.queues),
		slog.Int("max_concurrent", cap(w.slots)))
	return nil
}

// Stop cancels polling and waits for in-flight tasks to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	<-done
	w.wg.Wait()

	w.logger.Info("worker stopped", slog.String("worker_id", w.id.String()))
	return nil
}

// Run returns a function suitable for errgroup.Go.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case w.slots <- struct{}{}:
		default:
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()

			if err := w.ProcessNext(ctx); err != nil && !errors.Is(err, ErrHandlerNotFound) {
				w.logger.Error("failed to process task",
					slog.String("worker_id", w.id.String()),
					slog.Any("error", err))
			}
		}()
	}
}

// ProcessNext claims and executes a single task. It returns nil when nothing is due.
// Exposed so tests and one-shot commands can drive the worker synchronously.
func (w *Worker) ProcessNext(ctx context.Context) error {
	task, err := w.repo.ClaimTask(ctx, w.id, w.queues, w.lock)
	if errors.Is(err, ErrNoTaskToClaim) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	return w.execute(task)
}

func (w *Worker) execute(task *Task) (err error) {
	start := time.Now()
	log := w.logger.With(
		slog.String("worker_id", w.id.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.String("queue", task.Queue))

	w.mu.RLock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()
	if !ok {
		log.Error("no handler registered for task type")
		w.metrics.observe(task, outcomeDeadLettered, 0)
		// Retrying cannot help: park the task until a handler is deployed.
		if ferr := w.repo.FailTask(context.Background(), task.ID, ErrHandlerNotFound.Error()); ferr != nil {
			return fmt.Errorf("failed to mark task %s as failed: %w", task.ID, ferr)
		}
		if derr := w.repo.MoveToDLQ(context.Background(), task.ID); derr != nil {
			return fmt.Errorf("failed to move task %s to DLQ: %w", task.ID, derr)
		}
		return ErrHandlerNotFound
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", slog.Any("panic", r))
			err = w.fail(log, task, fmt.Errorf("panic in handler: %v", r), time.Since(start))
		}
	}()

	// Detached from the worker context so shutdown lets running tasks finish.
	ctx, cancel := context.WithTimeout(ContextWithTaskID(context.Background(), task.ID), w.lock)
	defer cancel()

	if herr := handler.Handle(ctx, task.Payload); herr != nil {
		return w.fail(log, task, herr, time.Since(start))
	}

	if cerr := w.repo.CompleteTask(context.Background(), task.ID); cerr != nil {
		return fmt.Errorf("failed to mark task %s as completed: %w", task.ID, cerr)
	}
	w.metrics.observe(task, outcomeCompleted, time.Since(start))
	log.Info("task completed", slog.Duration("duration", time.Since(start)))
	return nil
}

// fail records the failure; the storage reschedules with backoff while retries remain.
func (w *Worker) fail(log *slog.Logger, task *Task, cause error, elapsed time.Duration) error {
	log.Error("task failed",
		slog.Int("retry_count", int(task.RetryCount)),
		slog.Int("max_retries", int(task.MaxRetries)),
		slog.Duration("duration", elapsed),
		slog.Any("error", cause))

	if err := w.repo.FailTask(context.Background(), task.ID, cause.Error()); err != nil {
		return fmt.Errorf("failed to update task %s status to failed: %w", task.ID, err)
	}

	if task.RetryCount+1 < task.MaxRetries {
		w.metrics.observe(task, outcomeRetried, elapsed)
		return nil
	}

	if err := w.repo.MoveToDLQ(context.Background(), task.ID); err != nil {
		return fmt.Errorf("failed to move task %s to DLQ after max retries: %w", task.ID, err)
	}
	w.metrics.observe(task, outcomeDeadLettered, elapsed)
	log.Warn("task moved to dead letter queue")
	return nil
}

// ExtendLock extends the lock of a long-running task.
func (w *Worker) ExtendLock(ctx context.Context, taskID uuid.UUID, extension time.Duration) error {
	return w.repo.ExtendLock(ctx, taskID, extension)
}
