package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

const dueAtLayout = "January 2, 2006 at 15:04 UTC"

// TaskChanged keeps the due reminder of a task in step with an edit. before
// and after are the task as it was and as it was saved. Completing a task
// drops its reminder; a new assignee, due date or reopening replaces it.
func (s *Service) TaskChanged(ctx context.Context, before, after Task) error {
	if after.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is required", ErrInvalidParams)
	}
	changed := after.Done != before.Done ||
		after.AssigneeEmail != before.AssigneeEmail ||
		!after.DueAt.Equal(before.DueAt)
	if !changed {
		return nil
	}

	var stale, fresh reminder.Handle
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockTask(ctx, after.ID)
		if err != nil {
			return err
		}
		stale = reminder.Handle{Kind: reminder.KindTaskDue, JobID: cur.DueReminderJobID}

		if after.wantsReminder() {
			h, ok, err := s.reminders.ScheduleTaskDue(ctx, reminder.TaskDueReminder{
				TaskID:    after.ID,
				Title:     after.Title,
				Recipient: after.AssigneeEmail,
				DueAt:     after.DueAt,
			})
			if err != nil {
				return err
			}
			if ok {
				fresh = h
			}
		}
		if fresh.JobID == cur.DueReminderJobID {
			return nil
		}
		return tx.SetTaskReminder(ctx, cur.ID, fresh.JobID)
	})
	if err != nil {
		s.reminders.Cancel(ctx, fresh)
		return err
	}
	s.reminders.Cancel(ctx, stale)
	return nil
}

// FireTaskDue handles the due reminder job. It mails the assignee only when
// the task still links this job and is not done, and always unlinks it.
func (s *Service) FireTaskDue(ctx context.Context, p reminder.TaskDueReminder) error {
	taskID, _ := queue.TaskIDFromContext(ctx)
	ctx = logger.WithContext(ctx, logger.Kind(reminder.KindTaskDue), logger.JobID(taskID))

	send := false
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.LockTask(ctx, p.TaskID)
		if err != nil {
			return err
		}
		if task.DueReminderJobID != taskID {
			s.log.InfoContext(ctx, "stale task reminder dropped")
			return nil
		}
		send = !task.Done
		return tx.SetTaskReminder(ctx, task.ID, uuid.Nil)
	})
	if errors.Is(err, ErrTaskNotFound) {
		s.log.InfoContext(ctx, "reminder for unknown task dropped")
		return nil
	}
	if err != nil || !send {
		return err
	}

	return s.notifier.Send(ctx, notify.Message{
		To:       p.Recipient,
		Subject:  fmt.Sprintf("Reminder: %s is due soon", p.Title),
		Template: notify.TemplateTaskDue,
		Data: map[string]string{
			"Title": p.Title,
			"DueAt": p.DueAt.UTC().Format(dueAtLayout),
		},
	})
}
