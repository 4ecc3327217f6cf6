package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements every repository interface of the package in process memory.
// It is meant for tests and local development; tasks are lost on restart.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	dlq   []*TasksDlq
	now   func() time.Time
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[uuid.UUID]*Task),
		now:   time.Now,
	}
}

// SetClock overrides the time source used to decide whether a task is due.
func (ms *MemoryStorage) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

// CreateTask implements EnqueuerRepository and SchedulerRepository.
func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.tasks[task.ID]; ok {
		return ErrDuplicateTask
	}
	cp := *task
	ms.tasks[task.ID] = &cp
	return nil
}

// GetTask implements EnqueuerRepository.
func (ms *MemoryStorage) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

// CancelTask implements EnqueuerRepository.
func (ms *MemoryStorage) CancelTask(_ context.Context, id uuid.UUID) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok || task.Status != TaskStatusPending {
		return false, nil
	}
	delete(ms.tasks, id)
	return true, nil
}

// GetPendingTaskByName implements SchedulerRepository.
func (ms *MemoryStorage) GetPendingTaskByName(_ context.Context, name string) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, task := range ms.tasks {
		if task.TaskName == name && task.Status == TaskStatusPending {
			cp := *task
			return &cp, nil
		}
	}
	return nil, ErrTaskNotFound
}

// ClaimTask implements WorkerRepository. Highest priority wins, then the earliest
// scheduled instant. Tasks whose lock expired are reclaimed first.
func (ms *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	ms.releaseExpiredLocks(now)

	var best *Task
	for _, task := range ms.tasks {
		if task.Status != TaskStatusPending || !task.Due(now) || !slices.Contains(queues, task.Queue) {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockedUntil := now.Add(lockDuration)
	best.Status = TaskStatusProcessing
	best.LockedUntil = &lockedUntil
	best.LockedBy = &workerID

	cp := *best
	return &cp, nil
}

// CompleteTask implements WorkerRepository.
func (ms *MemoryStorage) CompleteTask(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(id)
	if err != nil {
		return err
	}
	now := ms.now()
	task.Status = TaskStatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	return nil
}

// FailTask implements WorkerRepository.
func (ms *MemoryStorage) FailTask(_ context.Context, id uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(id)
	if err != nil {
		return err
	}
	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount >= task.MaxRetries {
		task.Status = TaskStatusFailed
		return nil
	}
	task.Status = TaskStatusPending
	task.ScheduledAt = ms.now().Add(retryBackoff(task.RetryCount))
	return nil
}

// MoveToDLQ implements WorkerRepository.
func (ms *MemoryStorage) MoveToDLQ(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	ms.dlq = append(ms.dlq, newDLQEntry(task, ms.now()))
	delete(ms.tasks, id)
	return nil
}

// ExtendLock implements WorkerRepository.
func (ms *MemoryStorage) ExtendLock(_ context.Context, id uuid.UUID, d time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(id)
	if err != nil {
		return err
	}
	lockedUntil := ms.now().Add(d)
	task.LockedUntil = &lockedUntil
	return nil
}

// DeadLetters returns a snapshot of the dead letter queue.
func (ms *MemoryStorage) DeadLetters() []TasksDlq {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]TasksDlq, 0, len(ms.dlq))
	for _, e := range ms.dlq {
		out = append(out, *e)
	}
	return out
}

// Pending returns the number of tasks waiting in the given queue.
func (ms *MemoryStorage) Pending(queue string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := 0
	for _, task := range ms.tasks {
		if task.Queue == queue && task.Status == TaskStatusPending {
			n++
		}
	}
	return n
}

func (ms *MemoryStorage) processing(id uuid.UUID) (*Task, error) {
	task, ok := ms.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != TaskStatusProcessing {
		return nil, ErrTaskNotProcessing
	}
	return task, nil
}

// releaseExpiredLocks returns tasks of crashed workers to the pending set.
// Must be called with mu held.
func (ms *MemoryStorage) releaseExpiredLocks(now time.Time) {
	for _, task := range ms.tasks {
		if task.Status == TaskStatusProcessing && task.LockedUntil != nil && task.LockedUntil.Before(now) {
			task.Status = TaskStatusPending
			task.LockedUntil = nil
			task.LockedBy = nil
		}
	}
}
