package queue

import (
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is used when no queue is specified.
const DefaultQueueName = "default"

// TaskType distinguishes one-off jobs from the ones created by the periodic Scheduler.
type TaskType string

const (
	TaskTypeOneTime  TaskType = "one-time"
	TaskTypePeriodic TaskType = "periodic"
)

// TaskStatus is the lifecycle state of a task inside the storage.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Priority represents task priority (0-100, higher is claimed first).
type Priority int8

const (
	PriorityMin     Priority = 0
	PriorityLow     Priority = 25
	PriorityMedium  Priority = 50
	PriorityHigh    Priority = 75
	PriorityMax     Priority = 100
	PriorityDefault Priority = PriorityMedium
)

// Valid reports whether the priority is within the supported range.
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// Task is a unit of work persisted by a storage backend.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Queue       string     `json:"queue"`
	TaskType    TaskType   `json:"task_type"`
	TaskName    string     `json:"task_name"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	RetryCount  int8       `json:"retry_count"`
	MaxRetries  int8       `json:"max_retries"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    *uuid.UUID `json:"locked_by,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Due reports whether the task may be delivered at the given instant.
func (t *Task) Due(now time.Time) bool {
	return !t.ScheduledAt.After(now)
}

// TasksDlq is a dead-lettered task kept for manual inspection.
type TasksDlq struct {
	ID         uuid.UUID `json:"id"`
	TaskID     uuid.UUID `json:"task_id"`
	Queue      string    `json:"queue"`
	TaskType   TaskType  `json:"task_type"`
	TaskName   string    `json:"task_name"`
	Payload    []byte    `json:"payload,omitempty"`
	Priority   Priority  `json:"priority"`
	Error      string    `json:"error"`
	RetryCount int8      `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func newDLQEntry(task *Task, now time.Time) *TasksDlq {
	entry := &TasksDlq{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		TaskType:   task.TaskType,
		TaskName:   task.TaskName,
		Payload:    task.Payload,
		Priority:   task.Priority,
		RetryCount: task.RetryCount,
		FailedAt:   now,
		CreatedAt:  now,
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}
	return entry
}

// retryBackoff is linear: 30s, 60s, 90s...
func retryBackoff(retryCount int8) time.Duration {
	return time.Duration(retryCount) * 30 * time.Second
}
