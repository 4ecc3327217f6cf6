package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/idempotency"
	"github.com/dmitrymomot/taskhub/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateParams(params any) error {
	if err := validate.Struct(params); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, err.Error())
	}
	return nil
}

// Service runs the synchronous subscription intents. Provider calls happen
// inside the store transaction before any local write, so a provider
// failure leaves the local state untouched and the intent retryable.
type Service struct {
	store    Store
	provider Provider
	options
}

func NewService(store Store, provider Provider, opts ...Option) *Service {
	if store == nil {
		panic("billing: store is required")
	}
	if provider == nil {
		panic("billing: provider is required")
	}
	return &Service{store: store, provider: provider, options: newOptions(opts)}
}

type CreateParams struct {
	OrganizationID uuid.UUID `validate:"required"`
	UserID         uuid.UUID `validate:"required"`
	Plan           Plan      `validate:"required"`
	Duration       Duration  `validate:"required"`
}

type Checkout struct {
	SubscriptionID uuid.UUID
	SessionID      string
	URL            string
}

// CreateOrganizationSubscription opens a provider checkout session for the
// organization and records a PENDING subscription. Activation happens when
// the provider confirms the checkout.
func (s *Service) CreateOrganizationSubscription(ctx context.Context, params CreateParams) (*Checkout, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	details, err := s.catalog.Details(params.Plan, params.Duration)
	if err != nil {
		return nil, err
	}

	var out *Checkout
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		org, err := tx.GetOrganization(ctx, params.OrganizationID)
		if err != nil {
			return err
		}

		existing, err := tx.LockSubscriptionByOrganization(ctx, org.ID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			existing = nil
		case err != nil:
			return err
		case existing.Status.Live():
			return ErrSubscriptionExists
		case existing.Status != StatusPending:
			return ErrRestartRequired
		}

		customerID := ""
		if existing != nil {
			customerID = existing.CustomerID
		}
		if customerID == "" {
			customerID, err = s.provider.CreateCustomer(ctx, CustomerParams{
				OrganizationID: org.ID.String(),
				Email:          org.OwnerEmail,
				Name:           org.Name,
			})
			if err != nil {
				return providerError("create customer", err)
			}
		}

		session, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
			CustomerID:     customerID,
			PriceID:        details.PriceID,
			TrialDays:      details.TrialDays,
			SuccessURL:     s.billingURL(org.ID, "success"),
			CancelURL:      s.billingURL(org.ID, "cancel"),
			OrganizationID: org.ID.String(),
			UserID:         params.UserID.String(),
		})
		if err != nil {
			return providerError("create checkout session", err)
		}

		now := s.now()
		if existing == nil {
			sub := &Subscription{
				ID:             uuid.New(),
				OrganizationID: org.ID,
				Plan:           details.Plan,
				Duration:       details.Duration,
				Status:         StatusPending,
				CustomerID:     customerID,
				Price:          details.Price,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			existing = sub
		} else {
			existing.Plan = details.Plan
			existing.Duration = details.Duration
			existing.Price = details.Price
			existing.CustomerID = customerID
			existing.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, existing); err != nil {
				return err
			}
		}

		out = &Checkout{SubscriptionID: existing.ID, SessionID: session.ID, URL: session.URL}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "checkout session created",
		logger.OrganizationID(params.OrganizationID),
		logger.SubscriptionID(out.SubscriptionID),
		slog.String("price_id", details.PriceID))
	return out, nil
}

func (s *Service) billingURL(orgID uuid.UUID, outcome string) string {
	return fmt.Sprintf("%s/organization/%s/billing/%s", s.baseURL, orgID, outcome)
}

type CancelParams struct {
	OrganizationID uuid.UUID `validate:"required"`
	UserID         uuid.UUID `validate:"required"`
	Reason         string    `validate:"max=500"`
}

// RequestCancel asks the provider to end the subscription at the end of the
// current period. The local status stays as it is until the provider
// deletes the subscription.
func (s *Service) RequestCancel(ctx context.Context, params CancelParams) (*Subscription, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	var out *Subscription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		org, err := tx.GetOrganization(ctx, params.OrganizationID)
		if err != nil {
			return err
		}
		if org.OwnerID != params.UserID {
			return ErrNotOwner
		}

		sub, err := tx.LockSubscriptionByOrganization(ctx, org.ID)
		if err != nil {
			return err
		}
		if !sub.Status.Live() {
			return fmt.Errorf("%w: %s", ErrInvalidState, sub.Status)
		}
		if sub.CancelRequested {
			return ErrCancelAlreadyRequested
		}

		if err := s.provider.SetCancelAtPeriodEnd(ctx, sub.ExternalID, true); err != nil {
			return providerError("set cancel at period end", err)
		}

		now := s.now()
		sub.CancelRequested = true
		sub.CancelledAt = &now
		sub.CancelReason = params.Reason
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		out = sub
		return tx.RecordActivity(ctx, audit.NewEvent(org.ID, audit.ActionCancelRequested, now,
			audit.WithActor(params.UserID),
			audit.WithResource("subscription", sub.ID.String()),
			audit.WithMetadata("reason", params.Reason)))
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription cancellation requested",
		logger.OrganizationID(params.OrganizationID), logger.SubscriptionID(out.ID))
	return out, nil
}

// Resume withdraws a pending cancellation request.
func (s *Service) Resume(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	var out *Subscription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.LockSubscriptionByOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		if !sub.CancelRequested {
			return ErrCancelNotRequested
		}

		if err := s.provider.SetCancelAtPeriodEnd(ctx, sub.ExternalID, false); err != nil {
			return providerError("clear cancel at period end", err)
		}

		now := s.now()
		sub.CancelRequested = false
		sub.CancelledAt = nil
		sub.CancelReason = ""
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		out = sub
		return tx.RecordActivity(ctx, audit.NewEvent(orgID, audit.ActionCancelWithdrawn, now,
			audit.WithResource("subscription", sub.ID.String())))
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription resumed",
		logger.OrganizationID(orgID), logger.SubscriptionID(out.ID))
	return out, nil
}

type RestartParams struct {
	OrganizationID uuid.UUID `validate:"required"`
	Plan           Plan      `validate:"required"`
	Duration       Duration  `validate:"required"`
}

// RestartKey is the idempotency key of a restart: retries with the same
// subscription, price and payment method create one provider subscription.
func RestartKey(subscriptionID uuid.UUID, priceID, paymentMethodID string) string {
	return idempotency.DeriveKey("sub_restart", idempotency.Args{
		"subscription_id":   subscriptionID.String(),
		"price_id":          priceID,
		"payment_method_id": paymentMethodID,
	})
}

// Restart creates a new provider subscription for a cancelled one, charging
// the payment method on file. The local row moves to PROCESSING and becomes
// ACTIVE once the first invoice is paid.
func (s *Service) Restart(ctx context.Context, params RestartParams) (*Subscription, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	details, err := s.catalog.Details(params.Plan, params.Duration)
	if err != nil {
		return nil, err
	}

	var out *Subscription
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.LockSubscriptionByOrganization(ctx, params.OrganizationID)
		if err != nil {
			return err
		}
		if sub.Status != StatusCancelled && sub.Status != StatusProcessing {
			return fmt.Errorf("%w: %s", ErrInvalidState, sub.Status)
		}

		// Local state can lag behind the provider, so ask the provider.
		active, err := s.provider.HasActiveSubscription(ctx, sub.CustomerID)
		if err != nil {
			return providerError("list subscriptions", err)
		}
		if active {
			return ErrProviderStillActive
		}

		pm := sub.PaymentMethodID
		if pm == "" {
			if pm, err = s.provider.DefaultPaymentMethod(ctx, sub.CustomerID); err != nil {
				return providerError("get customer", err)
			}
		}
		if pm == "" {
			return ErrNoPaymentMethod
		}

		ps, err := s.provider.CreateSubscription(ctx, CreateSubscriptionParams{
			CustomerID:      sub.CustomerID,
			PriceID:         details.PriceID,
			PaymentMethodID: pm,
			OrganizationID:  sub.OrganizationID.String(),
			IdempotencyKey:  RestartKey(sub.ID, details.PriceID, pm),
		})
		if err != nil {
			return providerError("create subscription", err)
		}

		if err := transition(ctx, sub, eventRestart, StatusProcessing); err != nil {
			return err
		}
		now := s.now()
		sub.ExternalID = ps.ID
		sub.Plan = details.Plan
		sub.Duration = details.Duration
		sub.Price = details.Price
		sub.PaymentMethodID = pm
		sub.CancelRequested = false
		sub.CancelledAt = nil
		sub.CancelReason = ""
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		out = sub
		return tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionSubscriptionRestarted, now,
			audit.WithResource("subscription", sub.ID.String()),
			audit.WithMetadata("price_id", details.PriceID)))
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription restarted",
		logger.OrganizationID(params.OrganizationID),
		logger.SubscriptionID(out.ID),
		logger.ExternalID("stripe_subscription_id", out.ExternalID))
	return out, nil
}

type ChangePlanParams struct {
	OrganizationID uuid.UUID `validate:"required"`
	Plan           Plan      `validate:"required"`
	Duration       Duration  `validate:"required"`
	When           When      `validate:"required,oneof=NOW PERIOD_END"`
}

type PlanChange struct {
	SubscriptionID uuid.UUID
	CurrentPriceID string
	NewPriceID     string
	When           When
	IdempotencyKey string
}

// PlanChangeKey is the idempotency key of a plan change.
func PlanChangeKey(subscriptionID uuid.UUID, currentPriceID, newPriceID string, when When) string {
	return idempotency.DeriveKey("plan_change", idempotency.Args{
		"subscription_id":  subscriptionID.String(),
		"current_price_id": currentPriceID,
		"new_price_id":     newPriceID,
		"when":             string(when),
	})
}

// ChangePlan switches the provider subscription to another price. The local
// plan, features and reminders follow when the provider reports the update.
func (s *Service) ChangePlan(ctx context.Context, params ChangePlanParams) (*PlanChange, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	details, err := s.catalog.Details(params.Plan, params.Duration)
	if err != nil {
		return nil, err
	}

	var out *PlanChange
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.LockSubscriptionByOrganization(ctx, params.OrganizationID)
		if err != nil {
			return err
		}
		if !sub.Status.Live() || sub.ExternalID == "" {
			return fmt.Errorf("%w: %s", ErrInvalidState, sub.Status)
		}

		current, err := s.provider.GetSubscription(ctx, sub.ExternalID)
		if err != nil {
			return providerError("get subscription", err)
		}
		if current.PriceID == details.PriceID {
			return ErrSamePlan
		}

		change := &PlanChange{
			SubscriptionID: sub.ID,
			CurrentPriceID: current.PriceID,
			NewPriceID:     details.PriceID,
			When:           params.When,
			IdempotencyKey: PlanChangeKey(sub.ID, current.PriceID, details.PriceID, params.When),
		}
		if _, err := s.provider.UpdateSubscriptionPrice(ctx, UpdatePriceParams{
			SubscriptionID: sub.ExternalID,
			ItemID:         current.ItemID,
			PriceID:        details.PriceID,
			Prorate:        params.When == WhenNow,
			IdempotencyKey: change.IdempotencyKey,
		}); err != nil {
			return providerError("update subscription", err)
		}

		out = change
		return tx.RecordActivity(ctx, audit.NewEvent(sub.OrganizationID, audit.ActionPlanChangeRequested, s.now(),
			audit.WithResource("subscription", sub.ID.String()),
			audit.WithMetadata("from_price_id", current.PriceID),
			audit.WithMetadata("to_price_id", details.PriceID),
			audit.WithMetadata("when", string(params.When))))
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "plan change requested",
		logger.OrganizationID(params.OrganizationID),
		logger.SubscriptionID(out.SubscriptionID),
		slog.String("new_price_id", out.NewPriceID),
		slog.String("when", string(out.When)))
	return out, nil
}

func (s *Service) GetByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	return s.store.GetSubscriptionByOrganization(ctx, orgID)
}

// AssertActiveSubscription gates mutating organization actions: only
// ACTIVE and TRIALING subscriptions pass.
func (s *Service) AssertActiveSubscription(ctx context.Context, orgID uuid.UUID) error {
	sub, err := s.store.GetSubscriptionByOrganization(ctx, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return fmt.Errorf("%w: organization has no subscription", ErrSubscriptionInactive)
	}
	if err != nil {
		return err
	}
	if !sub.Status.Entitled() {
		return fmt.Errorf("%w: %s", ErrSubscriptionInactive, sub.Status)
	}
	return nil
}
