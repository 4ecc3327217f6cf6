// Package queue is a durable, at-least-once task queue with delayed and periodic delivery.
//
// Three components talk to the storage through small repository interfaces:
//
//   - Enqueuer adds tasks and manages delayed jobs by id (Schedule, Cancel, Get)
//   - Worker claims due tasks and dispatches them to typed handlers
//   - Scheduler keeps one pending instance of every periodic task
//
// Two storages ship with the package: MemoryStorage for tests and RedisStorage
// for production. A task is never delivered before its scheduled instant, but it
// may be delivered more than once: handlers must be idempotent.
//
// Handlers are matched by task name, which defaults to the payload type name:
//
//	type InviteExpired struct{ InviteID uuid.UUID }
//
//	id, err := enq.Schedule(ctx, "invites", InviteExpired{InviteID: id}, 7*24*time.Hour)
//
//	worker.RegisterHandlers(queue.NewTaskHandler(func(ctx context.Context, p InviteExpired) error {
//		return invites.Expire(ctx, p.InviteID)
//	}))
//
// Schedule rejects a non-positive delay with ErrNonPositiveDelay instead of
// delivering immediately; callers skip deadlines that already passed.
package queue
