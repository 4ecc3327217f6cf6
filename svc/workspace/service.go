package workspace

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/billing"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateParams(params any) error {
	if err := validate.Struct(params); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, err.Error())
	}
	return nil
}

// SweepTaskName is the periodic task that expires overdue invites.
const SweepTaskName = "workspace.expire_overdue_invites"

const sweepBatch = 500

// Seats reserves plan capacity around a write. *billing.Service implements it.
type Seats interface {
	Reserve(ctx context.Context, orgID uuid.UUID, kind billing.Resource, create func(ctx context.Context) error) error
}

// Reminders schedules and cancels delayed jobs. *reminder.Orchestrator
// implements it.
type Reminders interface {
	ScheduleTaskDue(ctx context.Context, r reminder.TaskDueReminder) (reminder.Handle, bool, error)
	ScheduleInviteExpiry(ctx context.Context, e reminder.InviteExpiry) (reminder.Handle, error)
	Cancel(ctx context.Context, handles ...reminder.Handle) int
}

type Service struct {
	store     Store
	seats     Seats
	reminders Reminders
	notifier  notify.Sender
	options
}

func NewService(store Store, seats Seats, reminders Reminders, notifier notify.Sender, opts ...Option) *Service {
	if store == nil || seats == nil || reminders == nil || notifier == nil {
		panic("workspace: service dependencies are required")
	}
	return &Service{
		store:     store,
		seats:     seats,
		reminders: reminders,
		notifier:  notifier,
		options:   newOptions(opts),
	}
}

// Handlers returns the queue handlers of the invite expiry job, the task
// due reminder and the overdue invite sweep.
func (s *Service) Handlers() []queue.Handler {
	return []queue.Handler{
		queue.NewTaskHandler(s.ExpireInvite),
		queue.NewTaskHandler(s.FireTaskDue),
		queue.NewPeriodicTaskHandler(SweepTaskName, func(ctx context.Context) error {
			_, err := s.ExpireOverdueInvites(ctx)
			return err
		}),
	}
}
