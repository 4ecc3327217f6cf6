package queue

import (
	"context"

	"github.com/google/uuid"
)

type taskIDKey struct{}

// ContextWithTaskID attaches the ID of the task being executed. The worker
// does this before calling a handler; tests use it to simulate delivery.
func ContextWithTaskID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFromContext returns the ID of the task a handler is running for.
// Handlers compare it with the job handle they persisted to detect stale
// deliveries of jobs that were cancelled too late.
func TaskIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(taskIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
