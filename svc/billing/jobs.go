package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

// ReminderJobs delivers the subscription reminders the reconciler schedules.
// A delivery only sends mail when the subscription still links the executing
// job, so jobs leaked by a crash or replaced by a reschedule are dropped.
type ReminderJobs struct {
	store    Store
	notifier notify.Sender
	options
}

func NewReminderJobs(store Store, notifier notify.Sender, opts ...Option) *ReminderJobs {
	if store == nil || notifier == nil {
		panic("billing: reminder jobs dependencies are required")
	}
	return &ReminderJobs{store: store, notifier: notifier, options: newOptions(opts)}
}

// Handlers returns the queue handlers of both reminder kinds.
func (j *ReminderJobs) Handlers() []queue.Handler {
	return []queue.Handler{
		queue.NewTaskHandler(j.FireThreeDay),
		queue.NewTaskHandler(j.FireOneDay),
	}
}

func (j *ReminderJobs) FireThreeDay(ctx context.Context, p reminder.ThreeDayReminder) error {
	return j.fire(ctx, reminder.KindSubscription3Day, p.SubscriptionReminder, "3 days")
}

func (j *ReminderJobs) FireOneDay(ctx context.Context, p reminder.OneDayReminder) error {
	return j.fire(ctx, reminder.KindSubscription1Day, p.SubscriptionReminder, "1 day")
}

func (j *ReminderJobs) fire(ctx context.Context, kind reminder.Kind, p reminder.SubscriptionReminder, left string) error {
	taskID, _ := queue.TaskIDFromContext(ctx)
	ctx = logger.WithContext(ctx, logger.SubscriptionID(p.SubscriptionID), logger.Kind(kind), logger.JobID(taskID))

	err := j.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.LockSubscription(ctx, p.SubscriptionID)
		if err != nil {
			return err
		}
		jobs, err := tx.ListReminderJobs(ctx, sub.ID)
		if err != nil {
			return err
		}
		var linked *ReminderJob
		for i := range jobs {
			if jobs[i].Kind == kind {
				linked = &jobs[i]
			}
		}
		if linked == nil || linked.JobID != taskID {
			j.log.InfoContext(ctx, "stale reminder dropped")
			return nil
		}
		if err := tx.DeleteReminderJob(ctx, sub.ID, kind); err != nil {
			return err
		}
		if !sub.Status.Live() {
			return nil
		}
		// A failed send rolls the unlink back so the queue retry still matches.
		return j.notifier.Send(ctx, notify.Message{
			To:       p.Recipient,
			Subject:  fmt.Sprintf("Your %s billing period ends in %s", p.Plan, left),
			Template: notify.TemplateSubscriptionReminder,
			Data: map[string]string{
				"Plan":     p.Plan,
				"EndsAt":   notify.FormatDate(p.EndsAt),
				"DaysLeft": left,
			},
		})
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		j.log.InfoContext(ctx, "reminder for unknown subscription dropped")
		return nil
	}
	return err
}
