package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTask(queueName string, at time.Time, priority queue.Priority) *queue.Task {
	return &queue.Task{
		ID:          uuid.New(),
		Queue:       queueName,
		TaskType:    queue.TaskTypeOneTime,
		TaskName:    "test-task",
		Status:      queue.TaskStatusPending,
		Priority:    priority,
		MaxRetries:  2,
		ScheduledAt: at,
		CreatedAt:   at,
	}
}

func TestMemoryStorage_Claim(t *testing.T) {
	t.Parallel()

	t.Run("never delivers before the scheduled instant", func(t *testing.T) {
		t.Parallel()
		c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		storage := queue.NewMemoryStorage()
		storage.SetClock(c.Now)

		task := newTask("email", c.Now().Add(time.Hour), queue.PriorityDefault)
		require.NoError(t, storage.CreateTask(context.Background(), task))

		_, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"email"}, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)

		c.Advance(time.Hour)
		claimed, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"email"}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, task.ID, claimed.ID)
		assert.Equal(t, queue.TaskStatusProcessing, claimed.Status)
	})

	t.Run("priority first then scheduled order", func(t *testing.T) {
		t.Parallel()
		now := time.Now()
		storage := queue.NewMemoryStorage()

		low := newTask("default", now.Add(-2*time.Minute), queue.PriorityLow)
		high := newTask("default", now.Add(-time.Minute), queue.PriorityHigh)
		require.NoError(t, storage.CreateTask(context.Background(), low))
		require.NoError(t, storage.CreateTask(context.Background(), high))

		claimed, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"default"}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, high.ID, claimed.ID)
	})

	t.Run("ignores other queues", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		require.NoError(t, storage.CreateTask(context.Background(), newTask("other", time.Now().Add(-time.Second), queue.PriorityDefault)))

		_, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"email"}, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
	})

	t.Run("expired lock is reclaimed", func(t *testing.T) {
		t.Parallel()
		c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		storage := queue.NewMemoryStorage()
		storage.SetClock(c.Now)

		task := newTask("email", c.Now(), queue.PriorityDefault)
		require.NoError(t, storage.CreateTask(context.Background(), task))

		_, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"email"}, time.Minute)
		require.NoError(t, err)

		c.Advance(2 * time.Minute)
		claimed, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"email"}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, task.ID, claimed.ID)
	})
}

func TestMemoryStorage_FailAndDLQ(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	storage := queue.NewMemoryStorage()
	storage.SetClock(c.Now)
	ctx := context.Background()

	task := newTask("email", c.Now(), queue.PriorityDefault)
	require.NoError(t, storage.CreateTask(ctx, task))

	_, err := storage.ClaimTask(ctx, uuid.New(), []string{"email"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, storage.FailTask(ctx, task.ID, "boom"))

	got, err := storage.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusPending, got.Status)
	assert.Equal(t, int8(1), got.RetryCount)
	assert.Equal(t, c.Now().Add(30*time.Second), got.ScheduledAt)

	c.Advance(30 * time.Second)
	_, err = storage.ClaimTask(ctx, uuid.New(), []string{"email"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, storage.FailTask(ctx, task.ID, "boom again"))

	got, err = storage.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusFailed, got.Status)

	require.NoError(t, storage.MoveToDLQ(ctx, task.ID))
	_, err = storage.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)

	dlq := storage.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, task.ID, dlq[0].TaskID)
	assert.Equal(t, "boom again", dlq[0].Error)
}

func TestMemoryStorage_CompleteRequiresClaim(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	task := newTask("email", time.Now(), queue.PriorityDefault)
	require.NoError(t, storage.CreateTask(context.Background(), task))

	assert.ErrorIs(t, storage.CompleteTask(context.Background(), task.ID), queue.ErrTaskNotProcessing)
	assert.ErrorIs(t, storage.CompleteTask(context.Background(), uuid.New()), queue.ErrTaskNotFound)
	assert.ErrorIs(t, storage.CreateTask(context.Background(), task), queue.ErrDuplicateTask)
}
