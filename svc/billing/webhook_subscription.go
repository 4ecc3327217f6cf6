package billing

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/svc/notify"
)

// subscriptionDeleted records a provider-side cancellation.
func (r *Reconciler) subscriptionDeleted(ctx context.Context, tx Tx, ev event) ([]notify.Message, error) {
	ps := ev.Subscription
	if ps == nil {
		return nil, ErrMalformedEvent
	}
	sub, err := r.lockByExternalID(ctx, tx, ps.ID)
	if err != nil {
		return nil, err
	}

	if err := r.cancelReminders(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := transition(ctx, sub, eventProviderDeleted, StatusCancelled); err != nil {
		return nil, err
	}
	cancelledAt := ev.at
	if ps.CancelAt != nil {
		cancelledAt = *ps.CancelAt
	}
	sub.CancelledAt = &cancelledAt
	sub.CancelRequested = false
	sub.UpdatedAt = ev.at
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	if err := tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionSubscriptionCancelled, ev.at,
		audit.WithResource("subscription", sub.ID.String()),
		audit.WithMetadata("reason", "provider_deleted"))); err != nil {
		return nil, err
	}
	org, err := tx.GetOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	return []notify.Message{{
		To:       org.OwnerEmail,
		Subject:  "Your subscription has been cancelled",
		Template: notify.TemplateSubscriptionCancelled,
		Data: map[string]string{
			"Name":        org.OwnerName,
			"Plan":        string(sub.Plan),
			"CancelledAt": notify.FormatDate(cancelledAt),
		},
	}}, nil
}

// subscriptionUpdated brings plan, features, status and reminders in line
// with the provider. It applies the provider's current subscription rather
// than the event snapshot, so updates delivered out of order converge.
func (r *Reconciler) subscriptionUpdated(ctx context.Context, tx Tx, ev event) ([]notify.Message, error) {
	ps := ev.current
	sub, err := r.lockByExternalID(ctx, tx, ps.ID)
	if err != nil {
		return nil, err
	}

	details, err := r.catalog.ByPriceID(ps.PriceID)
	if err != nil {
		return nil, err
	}
	from := fmt.Sprintf("%s/%s", sub.Plan, sub.Duration)
	if err := transition(ctx, sub, eventStatusSync, MapProviderStatus(ps.Status)); err != nil {
		return nil, err
	}

	sub.Plan = details.Plan
	sub.Duration = details.Duration
	sub.Price = details.Price
	// A new period gets its cycle identity and usage record from invoice.paid.
	if CycleID(ps.ID, ps.CurrentPeriodStart) == sub.CycleID && !ps.CurrentPeriodEnd.IsZero() {
		sub.CycleEnd = ps.CurrentPeriodEnd
	}
	sub.UpdatedAt = ev.at
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	features := details.Features
	features.SubscriptionID = sub.ID
	if err := tx.UpsertFeatures(ctx, features); err != nil {
		return nil, err
	}

	if sub.Status.Live() {
		org, err := tx.GetOrganization(ctx, sub.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := r.replaceReminders(ctx, tx, sub, org.OwnerEmail, ps.CurrentPeriodEnd); err != nil {
			return nil, err
		}
	} else if err := r.cancelReminders(ctx, tx, sub); err != nil {
		return nil, err
	}

	return nil, tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionSubscriptionUpdated, ev.at,
		audit.WithResource("subscription", sub.ID.String()),
		audit.WithMetadata("from", from),
		audit.WithMetadata("to", fmt.Sprintf("%s/%s", sub.Plan, sub.Duration)),
		audit.WithMetadata("status", string(sub.Status))))
}
