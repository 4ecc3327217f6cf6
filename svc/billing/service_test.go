package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/svc/billing"
)

func TestService_CreateOrganizationSubscription(t *testing.T) {
	t.Parallel()

	params := func(f *fixture) billing.CreateParams {
		return billing.CreateParams{
			OrganizationID: f.org.ID,
			UserID:         f.ownerID,
			Plan:           billing.PlanPro,
			Duration:       billing.DurationQuarterly,
		}
	}

	t.Run("creates a pending subscription and checkout", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		co, err := f.svc.CreateOrganizationSubscription(ctx, params(f))
		require.NoError(t, err)
		assert.NotEmpty(t, co.URL)

		sub, err := f.store.GetSubscription(ctx, co.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPending, sub.Status)
		assert.Equal(t, billing.PlanPro, sub.Plan)
		assert.Equal(t, "142.5", sub.Price.String())
		assert.NotEmpty(t, sub.CustomerID)

		require.Len(t, f.provider.checkouts, 1)
		cp := f.provider.checkouts[0]
		assert.Equal(t, "price_pro_quarterly", cp.PriceID)
		assert.Equal(t, 14, cp.TrialDays)
		assert.Equal(t, "https://app.taskhub.test/organization/"+f.org.ID.String()+"/billing/success", cp.SuccessURL)
		assert.Equal(t, "https://app.taskhub.test/organization/"+f.org.ID.String()+"/billing/cancel", cp.CancelURL)
		assert.Equal(t, f.ownerID.String(), cp.UserID)
	})

	t.Run("abandoned checkout reuses the pending row and customer", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		first, err := f.svc.CreateOrganizationSubscription(ctx, params(f))
		require.NoError(t, err)

		p := params(f)
		p.Plan = billing.PlanBase
		second, err := f.svc.CreateOrganizationSubscription(ctx, p)
		require.NoError(t, err)

		assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
		assert.NotEqual(t, first.SessionID, second.SessionID)
		assert.Equal(t, 1, f.provider.count("create_customer"))

		sub, err := f.store.GetSubscription(ctx, second.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanBase, sub.Plan)
	})

	t.Run("live subscription conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)

		_, err := f.svc.CreateOrganizationSubscription(context.Background(), params(f))
		assert.ErrorIs(t, err, billing.ErrSubscriptionExists)
		assert.ErrorIs(t, err, billing.ErrConflict)
		assert.Len(t, f.provider.checkouts, 1)
	})

	t.Run("cancelled subscription must be restarted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)
		require.NoError(t, f.rec.Process(ctx, &billing.Event{
			ID:           "evt_deleted",
			Type:         billing.EventSubscriptionDeleted,
			Subscription: &billing.ProviderSubscription{ID: sub.ExternalID},
		}))

		_, err := f.svc.CreateOrganizationSubscription(ctx, params(f))
		assert.ErrorIs(t, err, billing.ErrRestartRequired)
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		p := params(f)
		p.Plan = "GOLD"
		_, err := f.svc.CreateOrganizationSubscription(context.Background(), p)
		assert.ErrorIs(t, err, billing.ErrInvalidPlan)
		assert.ErrorIs(t, err, billing.ErrValidation)

		p = params(f)
		p.UserID = uuid.Nil
		_, err = f.svc.CreateOrganizationSubscription(context.Background(), p)
		assert.ErrorIs(t, err, billing.ErrInvalidParams)

		p = params(f)
		p.OrganizationID = uuid.New()
		_, err = f.svc.CreateOrganizationSubscription(context.Background(), p)
		assert.ErrorIs(t, err, billing.ErrOrganizationNotFound)
		assert.ErrorIs(t, err, billing.ErrNotFound)

		assert.Zero(t, f.provider.count("create_checkout"))
	})

	t.Run("provider failure leaves no local write", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		f.provider.failOn("create_checkout", errors.New("stripe unavailable"))

		_, err := f.svc.CreateOrganizationSubscription(ctx, params(f))
		assert.ErrorIs(t, err, billing.ErrProviderCall)
		assert.ErrorIs(t, err, billing.ErrProvider)

		_, err = f.store.GetSubscriptionByOrganization(ctx, f.org.ID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestService_CancelAndResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)

	_, err := f.svc.RequestCancel(ctx, billing.CancelParams{OrganizationID: f.org.ID, UserID: uuid.New()})
	assert.ErrorIs(t, err, billing.ErrNotOwner)
	assert.ErrorIs(t, err, billing.ErrForbidden)

	_, err = f.svc.Resume(ctx, f.org.ID)
	assert.ErrorIs(t, err, billing.ErrCancelNotRequested)

	got, err := f.svc.RequestCancel(ctx, billing.CancelParams{OrganizationID: f.org.ID, UserID: f.ownerID, Reason: "too pricey"})
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, billing.StatusActive, got.Status, "status changes only when the provider deletes")
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, "too pricey", got.CancelReason)

	ps, err := f.provider.GetSubscription(ctx, sub.ExternalID)
	require.NoError(t, err)
	assert.True(t, ps.CancelAtPeriodEnd)

	_, err = f.svc.RequestCancel(ctx, billing.CancelParams{OrganizationID: f.org.ID, UserID: f.ownerID})
	assert.ErrorIs(t, err, billing.ErrCancelAlreadyRequested)

	got, err = f.svc.Resume(ctx, f.org.ID)
	require.NoError(t, err)
	assert.False(t, got.CancelRequested)
	assert.Nil(t, got.CancelledAt)
	assert.Empty(t, got.CancelReason)
	assert.Equal(t, billing.StatusActive, got.Status)

	ps, err = f.provider.GetSubscription(ctx, sub.ExternalID)
	require.NoError(t, err)
	assert.False(t, ps.CancelAtPeriodEnd)

	assert.Equal(t, []audit.Action{
		audit.ActionSubscriptionCreated,
		audit.ActionCancelRequested,
		audit.ActionCancelWithdrawn,
	}, actions(f.store.Activities(f.org.ID)))
}

func TestService_CancelRequiresLiveSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.CreateOrganizationSubscription(context.Background(), billing.CreateParams{
		OrganizationID: f.org.ID, UserID: f.ownerID, Plan: billing.PlanBase, Duration: billing.DurationMonthly,
	})
	require.NoError(t, err)

	_, err = f.svc.RequestCancel(context.Background(), billing.CancelParams{OrganizationID: f.org.ID, UserID: f.ownerID})
	assert.ErrorIs(t, err, billing.ErrInvalidState)
	assert.Zero(t, f.provider.count("set_cancel_at_period_end"))
}

func TestService_Restart(t *testing.T) {
	t.Parallel()

	cancelled := func(t *testing.T, f *fixture) *billing.Subscription {
		t.Helper()
		ctx := context.Background()
		sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)
		ps, err := f.provider.GetSubscription(ctx, sub.ExternalID)
		require.NoError(t, err)
		ps.Status = "canceled"
		f.provider.put(*ps)
		require.NoError(t, f.rec.Process(ctx, &billing.Event{
			ID:           "evt_deleted_" + sub.ExternalID,
			Type:         billing.EventSubscriptionDeleted,
			Subscription: &billing.ProviderSubscription{ID: sub.ExternalID},
		}))
		return sub
	}
	params := func(f *fixture) billing.RestartParams {
		return billing.RestartParams{OrganizationID: f.org.ID, Plan: billing.PlanPro, Duration: billing.DurationMonthly}
	}

	t.Run("creates a provider subscription with a stable key", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		sub := cancelled(t, f)

		got, err := f.svc.Restart(ctx, params(f))
		require.NoError(t, err)
		assert.Equal(t, billing.StatusProcessing, got.Status)
		assert.Equal(t, billing.PlanPro, got.Plan)
		assert.NotEqual(t, sub.ExternalID, got.ExternalID)
		assert.Nil(t, got.CancelledAt)

		require.Len(t, f.provider.creates, 1)
		create := f.provider.creates[0]
		assert.Equal(t, "pm_card", create.PaymentMethodID)
		assert.Equal(t, billing.RestartKey(sub.ID, "price_pro_monthly", "pm_card"), create.IdempotencyKey)

		// PROCESSING may be retried; the provider replays the same subscription.
		again, err := f.svc.Restart(ctx, params(f))
		require.NoError(t, err)
		assert.Equal(t, got.ExternalID, again.ExternalID)
		assert.Len(t, f.provider.creates, 1)
		assert.Contains(t, actions(f.store.Activities(f.org.ID)), audit.ActionSubscriptionRestarted)
	})

	t.Run("provider still active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		sub := cancelled(t, f)
		f.provider.put(billing.ProviderSubscription{ID: "sub_other", CustomerID: sub.CustomerID, Status: "active"})

		_, err := f.svc.Restart(ctx, params(f))
		assert.ErrorIs(t, err, billing.ErrProviderStillActive)
		assert.Zero(t, f.provider.count("create_subscription"))
	})

	t.Run("no payment method", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		co, err := f.svc.CreateOrganizationSubscription(ctx, billing.CreateParams{
			OrganizationID: f.org.ID, UserID: f.ownerID, Plan: billing.PlanBase, Duration: billing.DurationMonthly,
		})
		require.NoError(t, err)
		pending, err := f.store.GetSubscription(ctx, co.SubscriptionID)
		require.NoError(t, err)
		f.provider.put(billing.ProviderSubscription{
			ID: "sub_nopm", CustomerID: pending.CustomerID, Status: "incomplete", PriceID: "price_base_monthly",
		})
		require.NoError(t, f.rec.Process(ctx, f.checkoutEvent("evt_checkout_nopm", pending.CustomerID, "sub_nopm")))

		_, err = f.svc.Restart(ctx, params(f))
		assert.ErrorIs(t, err, billing.ErrNoPaymentMethod)
		assert.Equal(t, 1, f.provider.count("default_payment_method"))
	})

	t.Run("active subscription cannot restart", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)

		_, err := f.svc.Restart(context.Background(), params(f))
		assert.ErrorIs(t, err, billing.ErrInvalidState)
	})
}

func TestService_ChangePlan(t *testing.T) {
	t.Parallel()

	t.Run("updates the provider once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)

		p := billing.ChangePlanParams{
			OrganizationID: f.org.ID, Plan: billing.PlanPro, Duration: billing.DurationMonthly, When: billing.WhenNow,
		}
		change, err := f.svc.ChangePlan(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "price_base_monthly", change.CurrentPriceID)
		assert.Equal(t, "price_pro_monthly", change.NewPriceID)
		assert.Equal(t, billing.PlanChangeKey(sub.ID, "price_base_monthly", "price_pro_monthly", billing.WhenNow), change.IdempotencyKey)

		require.Len(t, f.provider.updates, 1)
		assert.True(t, f.provider.updates[0].Prorate)
		assert.Equal(t, "si_1", f.provider.updates[0].ItemID)

		// The provider already moved to the new price.
		_, err = f.svc.ChangePlan(ctx, p)
		assert.ErrorIs(t, err, billing.ErrSamePlan)
		assert.Len(t, f.provider.updates, 1)

		local, err := f.store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanBase, local.Plan, "local plan follows the provider update event")
	})

	t.Run("period end does not prorate", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)

		_, err := f.svc.ChangePlan(context.Background(), billing.ChangePlanParams{
			OrganizationID: f.org.ID, Plan: billing.PlanBase, Duration: billing.DurationYearly, When: billing.WhenPeriodEnd,
		})
		require.NoError(t, err)
		require.Len(t, f.provider.updates, 1)
		assert.False(t, f.provider.updates[0].Prorate)
	})

	t.Run("invalid when", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.svc.ChangePlan(context.Background(), billing.ChangePlanParams{
			OrganizationID: f.org.ID, Plan: billing.PlanPro, Duration: billing.DurationMonthly, When: "LATER",
		})
		assert.ErrorIs(t, err, billing.ErrInvalidParams)
	})

	t.Run("keys differ by timing", func(t *testing.T) {
		t.Parallel()
		id := uuid.New()
		now := billing.PlanChangeKey(id, "a", "b", billing.WhenNow)
		assert.Equal(t, now, billing.PlanChangeKey(id, "a", "b", billing.WhenNow))
		assert.NotEqual(t, now, billing.PlanChangeKey(id, "a", "b", billing.WhenPeriodEnd))
		assert.NotEqual(t, now, billing.RestartKey(id, "b", "a"))
	})
}

func TestService_AssertActiveSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.AssertActiveSubscription(ctx, f.org.ID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionInactive)

	sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "trialing", 7)
	assert.NoError(t, f.svc.AssertActiveSubscription(ctx, f.org.ID))

	require.NoError(t, f.rec.Process(ctx, f.invoiceEvent("evt_fail", billing.EventInvoicePaymentFailed, sub, billing.Invoice{})))
	err = f.svc.AssertActiveSubscription(ctx, f.org.ID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionInactive)
	assert.ErrorIs(t, err, billing.ErrConflict)
}
