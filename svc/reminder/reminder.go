package reminder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/logger"
)

// Scheduler is the delayed job queue. *queue.Enqueuer implements it.
type Scheduler interface {
	Schedule(ctx context.Context, queueName string, payload any, delay time.Duration) (uuid.UUID, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// Orchestrator turns deadlines into scheduled jobs. It never writes job
// handles anywhere: callers persist the returned handles in the same
// transaction as the entity change, after scheduling succeeded.
type Orchestrator struct {
	scheduler Scheduler
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func New(scheduler Scheduler, opts ...Option) *Orchestrator {
	if scheduler == nil {
		panic("reminder: scheduler is required")
	}
	o := &Orchestrator{
		scheduler: scheduler,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type SubscriptionTarget struct {
	SubscriptionID uuid.UUID
	EndsAt         time.Time
	Recipient      string
	Plan           string
}

// ScheduleSubscriptionReminders schedules the 3-day and 1-day reminders
// before target.EndsAt. Instants already in the past are skipped, so a
// period ending in two hours yields no handles and no error. When a
// schedule call fails, the reminders already scheduled by this call are
// cancelled before the error is returned.
func (o *Orchestrator) ScheduleSubscriptionReminders(ctx context.Context, target SubscriptionTarget) ([]Handle, error) {
	body := SubscriptionReminder{
		SubscriptionID: target.SubscriptionID,
		Recipient:      target.Recipient,
		Plan:           target.Plan,
		EndsAt:         target.EndsAt,
	}
	plan := []struct {
		kind    Kind
		lead    time.Duration
		payload any
	}{
		{KindSubscription3Day, threeDayLead, ThreeDayReminder{body}},
		{KindSubscription1Day, oneDayLead, OneDayReminder{body}},
	}

	now := o.now()
	handles := make([]Handle, 0, len(plan))
	for _, p := range plan {
		delay := target.EndsAt.Add(-p.lead).Sub(now)
		if delay <= 0 {
			continue
		}
		id, err := o.scheduler.Schedule(ctx, QueueEmail, p.payload, delay)
		if err != nil {
			o.Cancel(context.WithoutCancel(ctx), handles...)
			return nil, errors.Join(ErrScheduleFailed, err)
		}
		handles = append(handles, Handle{Kind: p.kind, JobID: id})
	}

	o.log.DebugContext(ctx, "subscription reminders scheduled",
		logger.SubscriptionID(target.SubscriptionID),
		slog.Int("count", len(handles)),
		slog.Time("ends_at", target.EndsAt))
	return handles, nil
}

// Cancel removes the jobs behind handles and reports how many were still
// pending. Jobs that already fired or were removed are not errors; queue
// failures are logged because the fire handlers ignore stale jobs anyway.
func (o *Orchestrator) Cancel(ctx context.Context, handles ...Handle) int {
	cancelled := 0
	for _, h := range handles {
		if h.JobID == uuid.Nil {
			continue
		}
		ok, err := o.scheduler.Cancel(ctx, h.JobID)
		if err != nil {
			o.log.WarnContext(ctx, "failed to cancel reminder job",
				logger.Kind(string(h.Kind)),
				logger.JobID(h.JobID),
				logger.Error(err))
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled
}

// ScheduleTaskDue schedules the due reminder five minutes before DueAt. The
// boolean is false when that instant is not in the future.
func (o *Orchestrator) ScheduleTaskDue(ctx context.Context, r TaskDueReminder) (Handle, bool, error) {
	delay := r.DueAt.Add(-taskDueLead).Sub(o.now())
	if delay <= 0 {
		return Handle{}, false, nil
	}
	id, err := o.scheduler.Schedule(ctx, QueueEmail, r, delay)
	if err != nil {
		return Handle{}, false, errors.Join(ErrScheduleFailed, err)
	}
	return Handle{Kind: KindTaskDue, JobID: id}, true, nil
}

// ScheduleInviteExpiry schedules the job that expires an invite at ExpiresAt.
func (o *Orchestrator) ScheduleInviteExpiry(ctx context.Context, e InviteExpiry) (Handle, error) {
	delay := e.ExpiresAt.Sub(o.now())
	if delay <= 0 {
		return Handle{}, ErrDeadlinePassed
	}
	id, err := o.scheduler.Schedule(ctx, QueueInviteExpiry, e, delay)
	if err != nil {
		return Handle{}, errors.Join(ErrScheduleFailed, err)
	}
	return Handle{Kind: KindInviteExpiry, JobID: id}, nil
}
