package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

// Reminders is the part of *reminder.Orchestrator the reconciler uses.
type Reminders interface {
	ScheduleSubscriptionReminders(ctx context.Context, target reminder.SubscriptionTarget) ([]reminder.Handle, error)
	Cancel(ctx context.Context, handles ...reminder.Handle) int
}

// Reconciler applies verified provider events to the local store. Each
// event runs in one transaction that first records the event id, then
// locks the subscription row and applies the handler. Notifications are
// sent after commit.
type Reconciler struct {
	store     Store
	provider  Provider
	reminders Reminders
	notifier  notify.Sender
	handlers  map[EventType]eventHandler
	options
}

// event is what a handler sees: the verified event plus the provider's
// current subscription when the handler needs it.
type event struct {
	*Event
	current *ProviderSubscription
	at      time.Time
}

// eventHandler applies one event inside tx and returns the messages to
// send once the transaction committed.
type eventHandler func(ctx context.Context, tx Tx, ev event) ([]notify.Message, error)

func NewReconciler(store Store, provider Provider, reminders Reminders, notifier notify.Sender, opts ...Option) *Reconciler {
	if store == nil || provider == nil || reminders == nil || notifier == nil {
		panic("billing: reconciler dependencies are required")
	}
	r := &Reconciler{
		store:     store,
		provider:  provider,
		reminders: reminders,
		notifier:  notifier,
		options:   newOptions(opts),
	}
	r.handlers = map[EventType]eventHandler{
		EventCheckoutCompleted:         r.checkoutCompleted,
		EventInvoicePaid:               r.invoicePaid,
		EventInvoicePaymentFailed:      r.invoicePaymentFailed,
		EventInvoiceFinalizationFailed: r.invoiceFinalizationFailed,
		EventSubscriptionDeleted:       r.subscriptionDeleted,
		EventSubscriptionUpdated:       r.subscriptionUpdated,
	}
	return r
}

// HandleWebhook verifies and processes a raw webhook delivery. Errors
// matching ErrInvalidSignature or ErrMalformedEvent must not be retried;
// any other error asks the provider to redeliver.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	ev, err := r.provider.ParseEvent(payload, signature)
	if err != nil {
		r.metrics.observe("", outcomeRejected, 0)
		r.log.WarnContext(ctx, "webhook rejected", logger.Error(err))
		return nil, err
	}
	return ev, r.Process(ctx, ev)
}

// Process applies a verified event. Redeliveries, unknown event types and
// events the local store cannot place are acknowledged without error.
func (r *Reconciler) Process(ctx context.Context, ev *Event) error {
	start := time.Now()
	ctx = logger.WithContext(ctx, logger.EventID(ev.ID), logger.EventType(string(ev.Type)))

	handle, ok := r.handlers[ev.Type]
	if !ok {
		r.log.InfoContext(ctx, "webhook event ignored")
		r.metrics.observe(ev.Type, outcomeIgnored, 0)
		return nil
	}

	current, err := r.prefetch(ctx, ev)
	if errors.Is(err, ErrInconsistent) {
		r.log.WarnContext(ctx, "webhook event dropped", logger.Error(err))
		r.metrics.observe(ev.Type, outcomeDropped, time.Since(start))
		return nil
	}
	if err != nil {
		r.log.ErrorContext(ctx, "webhook prefetch failed", logger.Error(err))
		r.metrics.observe(ev.Type, outcomeFailed, time.Since(start))
		return err
	}

	var (
		duplicate bool
		messages  []notify.Message
	)
	err = r.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		duplicate, messages = false, nil
		first, err := tx.MarkEventProcessed(ctx, ev.ID, ev.Type, r.now())
		if err != nil {
			return err
		}
		if !first {
			duplicate = true
			return nil
		}
		messages, err = handle(ctx, tx, event{Event: ev, current: current, at: r.now()})
		return err
	})

	switch {
	case err == nil && duplicate:
		r.log.InfoContext(ctx, "webhook event already processed")
		r.metrics.observe(ev.Type, outcomeDuplicate, time.Since(start))
		return nil
	case err == nil:
		r.metrics.observe(ev.Type, outcomeApplied, time.Since(start))
	case errors.Is(err, ErrInconsistent), errors.Is(err, ErrInvalidState):
		// Nobody can fix these by retrying; the provider would redeliver forever.
		r.log.WarnContext(ctx, "webhook event dropped", logger.Error(err))
		r.metrics.observe(ev.Type, outcomeDropped, time.Since(start))
		return nil
	default:
		r.log.ErrorContext(ctx, "webhook event failed", logger.Error(err))
		r.metrics.observe(ev.Type, outcomeFailed, time.Since(start))
		return err
	}

	for _, msg := range messages {
		if err := r.notifier.Send(ctx, msg); err != nil {
			r.log.ErrorContext(ctx, "notification not sent",
				slog.String("template", string(msg.Template)), logger.Error(err))
		}
	}
	r.log.InfoContext(ctx, "webhook event applied", logger.Duration(time.Since(start)))
	return nil
}

// prefetch reads the provider subscription before the transaction opens, so
// no row lock is held across a network call.
func (r *Reconciler) prefetch(ctx context.Context, ev *Event) (*ProviderSubscription, error) {
	var id string
	switch ev.Type {
	case EventCheckoutCompleted:
		if ev.Checkout == nil {
			return nil, ErrMalformedEvent
		}
		id = ev.Checkout.SubscriptionID
	case EventInvoicePaid:
		if ev.Invoice == nil {
			return nil, ErrMalformedEvent
		}
		id = ev.Invoice.SubscriptionID
	case EventSubscriptionUpdated:
		// Out-of-order updates carry stale snapshots; apply the provider's
		// current state instead.
		if ev.Subscription == nil {
			return nil, ErrMalformedEvent
		}
		id = ev.Subscription.ID
	default:
		return nil, nil
	}
	if id == "" {
		return nil, ErrUnknownSubscription
	}
	ps, err := r.provider.GetSubscription(ctx, id)
	if err != nil {
		return nil, providerError("get subscription", err)
	}
	return ps, nil
}

// replaceReminders cancels the reminder jobs linked to sub and schedules
// new ones against endsAt. The links are rewritten only after the queue
// accepted the new jobs.
func (r *Reconciler) replaceReminders(ctx context.Context, tx Tx, sub *Subscription, recipient string, endsAt time.Time) error {
	if err := r.cancelReminders(ctx, tx, sub); err != nil {
		return err
	}
	if endsAt.IsZero() {
		return nil
	}

	handles, err := r.reminders.ScheduleSubscriptionReminders(ctx, reminder.SubscriptionTarget{
		SubscriptionID: sub.ID,
		EndsAt:         endsAt,
		Recipient:      recipient,
		Plan:           string(sub.Plan),
	})
	if err != nil {
		return err
	}
	for _, h := range handles {
		if err := tx.CreateReminderJob(ctx, ReminderJob{SubscriptionID: sub.ID, Kind: h.Kind, JobID: h.JobID}); err != nil {
			// The links written so far roll back with the transaction.
			r.reminders.Cancel(context.WithoutCancel(ctx), handles...)
			return err
		}
	}
	return nil
}

func (r *Reconciler) cancelReminders(ctx context.Context, tx Tx, sub *Subscription) error {
	jobs, err := tx.ListReminderJobs(ctx, sub.ID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	handles := make([]reminder.Handle, len(jobs))
	for i, j := range jobs {
		handles[i] = j.Handle()
	}
	cancelled := r.reminders.Cancel(ctx, handles...)
	r.log.DebugContext(ctx, "subscription reminders cancelled",
		logger.SubscriptionID(sub.ID), slog.Int("linked", len(jobs)), slog.Int("cancelled", cancelled))
	return tx.DeleteReminderJobs(ctx, sub.ID)
}

// eventTime prefers the provider's timestamp over the local clock.
func (ev event) eventTime() time.Time {
	if !ev.Created.IsZero() {
		return ev.Created
	}
	return ev.at
}
