package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/queue"
)

type reminderPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

type unmarshalablePayload struct {
	Ch chan int
}

func TestEnqueuer_New(t *testing.T) {
	t.Parallel()

	t.Run("nil repository", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, e)
	})

	t.Run("memory storage", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage())
		require.NoError(t, err)
		assert.NotNil(t, e)
	})
}

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("derives task name from payload type", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		e, err := queue.NewEnqueuer(storage, queue.WithEnqueuerClock(func() time.Time { return now }))
		require.NoError(t, err)

		id, err := e.Enqueue(context.Background(), reminderPayload{SubscriptionID: "s1"}, queue.WithQueue("email"))
		require.NoError(t, err)

		task, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "queue_test.reminderPayload", task.TaskName)
		assert.Equal(t, "email", task.Queue)
		assert.Equal(t, queue.TaskStatusPending, task.Status)
		assert.Equal(t, now, task.ScheduledAt)
		assert.JSONEq(t, `{"subscription_id":"s1"}`, string(task.Payload))
	})

	t.Run("nil payload", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage())
		require.NoError(t, err)

		_, err = e.Enqueue(context.Background(), nil)
		assert.ErrorIs(t, err, queue.ErrPayloadNil)
	})

	t.Run("payload cannot be marshaled", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage())
		require.NoError(t, err)

		_, err = e.Enqueue(context.Background(), unmarshalablePayload{Ch: make(chan int)})
		assert.ErrorIs(t, err, queue.ErrPayloadMarshal)
	})

	t.Run("invalid priority", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage())
		require.NoError(t, err)

		_, err = e.Enqueue(context.Background(), reminderPayload{}, queue.WithPriority(queue.Priority(101)))
		assert.ErrorIs(t, err, queue.ErrInvalidPriority)
	})

	t.Run("scheduled at wins over delay", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage(), queue.WithEnqueuerClock(func() time.Time { return now }))
		require.NoError(t, err)

		at := now.Add(3 * time.Hour)
		id, err := e.Enqueue(context.Background(), reminderPayload{}, queue.WithDelay(time.Hour), queue.WithScheduledAt(at))
		require.NoError(t, err)

		task, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, at, task.ScheduledAt)
	})
}

func TestEnqueuer_Schedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, delay := range []time.Duration{0, -time.Minute} {
		t.Run("rejects delay "+delay.String(), func(t *testing.T) {
			t.Parallel()
			storage := queue.NewMemoryStorage()
			e, err := queue.NewEnqueuer(storage)
			require.NoError(t, err)

			id, err := e.Schedule(context.Background(), "email", reminderPayload{}, delay)
			assert.ErrorIs(t, err, queue.ErrNonPositiveDelay)
			assert.Equal(t, uuid.Nil, id)
			assert.Zero(t, storage.Pending("email"))
		})
	}

	t.Run("positive delay", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage(), queue.WithEnqueuerClock(func() time.Time { return now }))
		require.NoError(t, err)

		id, err := e.Schedule(context.Background(), "email", reminderPayload{}, 72*time.Hour)
		require.NoError(t, err)

		task, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, now.Add(72*time.Hour), task.ScheduledAt)
		assert.Equal(t, "email", task.Queue)
	})
}

func TestEnqueuer_CancelAndGet(t *testing.T) {
	t.Parallel()

	t.Run("cancel pending job", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage())
		require.NoError(t, err)

		id, err := e.Schedule(context.Background(), "email", reminderPayload{}, time.Hour)
		require.NoError(t, err)

		ok, err := e.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)

		task, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, task)

		ok, err = e.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, ok, "second cancel finds nothing")
	})

	t.Run("cancel unknown or nil id", func(t *testing.T) {
		t.Parallel()
		e, err := queue.NewEnqueuer(queue.NewMemoryStorage())
		require.NoError(t, err)

		ok, err := e.Cancel(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = e.Cancel(context.Background(), uuid.Nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("claimed job cannot be cancelled", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		e, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)

		id, err := e.Enqueue(context.Background(), reminderPayload{}, queue.WithQueue("email"))
		require.NoError(t, err)

		_, err = storage.ClaimTask(context.Background(), uuid.New(), []string{"email"}, time.Minute)
		require.NoError(t, err)

		ok, err := e.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
