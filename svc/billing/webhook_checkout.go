package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/svc/notify"
)

// checkoutCompleted activates the PENDING subscription the checkout session
// was opened for.
func (r *Reconciler) checkoutCompleted(ctx context.Context, tx Tx, ev event) ([]notify.Message, error) {
	c := ev.Checkout
	orgID, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("%w: organization_id %q", ErrMissingMetadata, c.OrganizationID)
	}

	sub, err := tx.LockCheckoutSubscription(ctx, c.CustomerID, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("%w: customer %s", ErrUnknownSubscription, c.CustomerID)
	}
	if err != nil {
		return nil, err
	}

	// Redelivery: the subscription is already bound to this provider subscription.
	if sub.ExternalID != "" {
		r.log.InfoContext(ctx, "checkout already confirmed",
			logger.SubscriptionID(sub.ID), logger.ExternalID("stripe_subscription_id", sub.ExternalID))
		return nil, nil
	}

	ps := ev.current
	if err := transition(ctx, sub, eventCheckoutConfirmed, MapProviderStatus(ps.Status)); err != nil {
		return nil, err
	}

	details, err := r.catalog.ByPriceID(ps.PriceID)
	if err != nil {
		if details, err = r.catalog.Details(sub.Plan, sub.Duration); err != nil {
			return nil, err
		}
	}

	sub.ExternalID = ps.ID
	sub.Plan = details.Plan
	sub.Duration = details.Duration
	sub.Price = details.Price
	sub.CycleStart = ps.CurrentPeriodStart
	sub.CycleEnd = ps.CurrentPeriodEnd
	sub.CycleID = CycleID(ps.ID, ps.CurrentPeriodStart)
	if ps.DefaultPaymentMethod != "" {
		sub.PaymentMethodID = ps.DefaultPaymentMethod
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
	if _, err := tx.CreatePackageRecord(ctx, PackageRecord{
		SubscriptionID: sub.ID,
		CycleID:        sub.CycleID,
		CycleStart:     sub.CycleStart,
		CycleEnd:       sub.CycleEnd,
		IsTrial:        true,
	}); err != nil {
		return nil, err
	}

	opts := []audit.EventOption{
		audit.WithResource("subscription", sub.ID.String()),
		audit.WithMetadata("plan", string(sub.Plan)),
		audit.WithMetadata("duration", string(sub.Duration)),
	}
	if userID, err := uuid.Parse(c.UserID); err == nil {
		opts = append(opts, audit.WithActor(userID))
	}
	if err := tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionSubscriptionCreated, ev.at, opts...)); err != nil {
		return nil, err
	}

	org, err := tx.GetOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	if err := r.replaceReminders(ctx, tx, sub, org.OwnerEmail, sub.CycleEnd); err != nil {
		return nil, err
	}

	if sub.Status != StatusTrialing {
		return nil, nil
	}
	return []notify.Message{{
		To:       org.OwnerEmail,
		Subject:  fmt.Sprintf("Your %s trial has started", sub.Plan),
		Template: notify.TemplateTrialStarted,
		Data: map[string]string{
			"Name":        org.OwnerName,
			"Plan":        string(sub.Plan),
			"TrialEndsAt": notify.FormatDate(sub.CycleEnd),
		},
	}}, nil
}
