package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/queue"
)

// Enqueuer is the part of *queue.Enqueuer the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) (uuid.UUID, error)
}

// Dispatcher is a Sender that defers delivery to the email queue.
type Dispatcher struct {
	enq Enqueuer
	log *slog.Logger
}

func NewDispatcher(enq Enqueuer, log *slog.Logger) *Dispatcher {
	if enq == nil {
		panic("notify: enqueuer is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{enq: enq, log: log}
}

func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	id, err := d.enq.Enqueue(ctx, msg, queue.WithQueue(Queue))
	if err != nil {
		return errors.Join(ErrDispatch, err)
	}
	d.log.DebugContext(ctx, "email queued",
		slog.String("template", string(msg.Template)),
		slog.String("task_id", id.String()))
	return nil
}
