package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/svc/notify"
)

func (r *Reconciler) lockByExternalID(ctx context.Context, tx Tx, externalID string) (*Subscription, error) {
	sub, err := tx.LockSubscriptionByExternalID(ctx, externalID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubscription, externalID)
	}
	return sub, err
}

// invoicePaid starts a new paid cycle.
func (r *Reconciler) invoicePaid(ctx context.Context, tx Tx, ev event) ([]notify.Message, error) {
	inv := ev.Invoice
	sub, err := r.lockByExternalID(ctx, tx, inv.SubscriptionID)
	if err != nil {
		return nil, err
	}

	// The zero-amount trial invoice arrives before the trial converts.
	if ev.current.Status == "trialing" {
		r.log.InfoContext(ctx, "invoice paid during trial, nothing to do", logger.SubscriptionID(sub.ID))
		return nil, nil
	}

	amount := decimal.New(inv.AmountPaid, -2)
	recorded, err := tx.AppendBillingHistory(ctx, BillingHistory{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		Amount:         amount,
		Currency:       inv.Currency,
		Status:         BillingStatusPaid,
		PaidAt:         ev.eventTime(),
	})
	if err != nil {
		return nil, err
	}
	if !recorded {
		r.log.InfoContext(ctx, "invoice already recorded", logger.SubscriptionID(sub.ID), logger.ExternalID("stripe_invoice_id", inv.ID))
		return nil, nil
	}

	priceID := inv.PriceID
	if priceID == "" {
		priceID = ev.current.PriceID
	}
	details, err := r.catalog.ByPriceID(priceID)
	if err != nil {
		return nil, err
	}

	if err := transition(ctx, sub, eventPaymentSucceeded, StatusActive); err != nil {
		return nil, err
	}
	start, end := inv.PeriodStart, inv.PeriodEnd
	if start.IsZero() || end.IsZero() || !end.After(start) {
		start, end = ev.current.CurrentPeriodStart, ev.current.CurrentPeriodEnd
	}
	sub.Plan = details.Plan
	sub.Duration = details.Duration
	sub.Price = details.Price
	sub.CycleStart = start
	sub.CycleEnd = end
	sub.CycleID = CycleID(sub.ExternalID, start)
	if ev.current.DefaultPaymentMethod != "" {
		sub.PaymentMethodID = ev.current.DefaultPaymentMethod
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
		CycleStart:     start,
		CycleEnd:       end,
	}); err != nil {
		return nil, err
	}

	if err := tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionSubscriptionRenewed, ev.at,
		audit.WithResource("invoice", inv.ID),
		audit.WithMetadata("amount", amount.StringFixed(2)),
		audit.WithMetadata("currency", inv.Currency),
		audit.WithMetadata("cycle_id", sub.CycleID))); err != nil {
		return nil, err
	}

	org, err := tx.GetOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	if err := r.replaceReminders(ctx, tx, sub, org.OwnerEmail, sub.CycleEnd); err != nil {
		return nil, err
	}

	return []notify.Message{{
		To:       org.OwnerEmail,
		Subject:  "Payment received - thank you",
		Template: notify.TemplatePaymentReceipt,
		Data: map[string]string{
			"Name":       org.OwnerName,
			"Plan":       string(sub.Plan),
			"Amount":     notify.FormatAmount(amount, inv.Currency),
			"PaidAt":     notify.FormatDate(ev.eventTime()),
			"InvoiceURL": inv.HostedURL,
		},
	}}, nil
}

// PaymentFailedSubject is the subject of the dunning mail for attempt n.
func PaymentFailedSubject(attempt int) string {
	if attempt <= 1 {
		return "Payment failed - we'll retry"
	}
	return fmt.Sprintf("Payment failed again (attempt %d) - update your card", attempt)
}

// invoicePaymentFailed moves the subscription to PAST_DUE and counts the
// attempt. Cancellation is left to the final failure or deletion events.
func (r *Reconciler) invoicePaymentFailed(ctx context.Context, tx Tx, ev event) ([]notify.Message, error) {
	inv := ev.Invoice
	if inv == nil {
		return nil, ErrMalformedEvent
	}
	sub, err := r.lockByExternalID(ctx, tx, inv.SubscriptionID)
	if err != nil {
		return nil, err
	}

	if err := transition(ctx, sub, eventPaymentFailed, StatusPastDue); err != nil {
		return nil, err
	}
	sub.UpdatedAt = ev.at
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	dunning, err := tx.RecordDunningFailure(ctx, sub.ID, ev.eventTime())
	if err != nil {
		return nil, err
	}
	if err := tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionPaymentFailed, ev.at,
		audit.WithResource("invoice", inv.ID),
		audit.WithMetadata("attempt", dunning.Attempts))); err != nil {
		return nil, err
	}

	org, err := tx.GetOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	return []notify.Message{{
		To:       org.OwnerEmail,
		Subject:  PaymentFailedSubject(dunning.Attempts),
		Template: notify.TemplatePaymentFailed,
		Data: map[string]string{
			"Name":       org.OwnerName,
			"Plan":       string(sub.Plan),
			"Attempt":    strconv.Itoa(dunning.Attempts),
			"InvoiceURL": inv.HostedURL,
		},
	}}, nil
}

// invoiceFinalizationFailed ends dunning: the subscription is cancelled.
func (r *Reconciler) invoiceFinalizationFailed(ctx context.Context, tx Tx, ev event) ([]notify.Message, error) {
	inv := ev.Invoice
	if inv == nil {
		return nil, ErrMalformedEvent
	}
	sub, err := r.lockByExternalID(ctx, tx, inv.SubscriptionID)
	if err != nil {
		return nil, err
	}
	alreadyCancelled := sub.Status == StatusCancelled

	if err := transition(ctx, sub, eventFinalFailure, StatusCancelled); err != nil {
		return nil, err
	}
	failedAt := inv.Created
	if failedAt.IsZero() {
		failedAt = ev.eventTime()
	}
	if !alreadyCancelled {
		sub.CancelledAt = &ev.at
	}
	sub.CancelRequested = false
	sub.UpdatedAt = ev.at
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := tx.MarkDunningFinalFailure(ctx, sub.ID, failedAt); err != nil {
		return nil, err
	}
	if err := r.cancelReminders(ctx, tx, sub); err != nil {
		return nil, err
	}
	if alreadyCancelled {
		return nil, nil
	}

	if err := tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionSubscriptionCancelled, ev.at,
		audit.WithResource("subscription", sub.ID.String()),
		audit.WithMetadata("reason", "payment_final_failure"))); err != nil {
		return nil, err
	}
	org, err := tx.GetOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	return []notify.Message{{
		To:       org.OwnerEmail,
		Subject:  "Your subscription was cancelled after failed payments",
		Template: notify.TemplateFinalFailure,
		Data: map[string]string{
			"Name": org.OwnerName,
			"Plan": string(sub.Plan),
		},
	}}, nil
}
