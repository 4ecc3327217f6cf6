package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/svc/billing"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

const webhookSecret = "whsec_test_taskhub"

func newStripeProvider(t *testing.T) *billing.StripeProvider {
	t.Helper()
	p, err := billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test_taskhub", WebhookSecret: webhookSecret})
	require.NoError(t, err)
	return p
}

func stripeEvent(id, typ string, object string) []byte {
	return fmt.Appendf(nil, `{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2025-07-30.basil","data":{"object":%s}}`,
		id, typ, t0.Unix(), object)
}

func signedRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// webhookRouter wires a reconciler on the real Stripe verifier to the
// fixture's store, so signed deliveries run the whole path.
func webhookRouter(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	orchestrator := reminder.New(f.enqueuer, reminder.WithClock(f.clock.Now), reminder.WithLogger(logger.Discard()))
	rec := billing.NewReconciler(f.store, newStripeProvider(t), orchestrator, f.notifier,
		billing.WithClock(f.clock.Now), billing.WithLogger(logger.Discard()))
	r := chi.NewRouter()
	billing.MountWebhook(r, rec, logger.Discard())
	return r
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()

	t.Run("bad signature is rejected without writes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)
		h := webhookRouter(t, f)

		payload := stripeEvent("evt_forged", "invoice.payment_failed",
			fmt.Sprintf(`{"id":"in_1","object":"invoice","subscription":%q}`, sub.ExternalID))

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, signedRequest(t, "whsec_wrong", payload))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, false, decodeResponse(t, rr)["received"])

		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "missing header")

		after, err := f.store.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, after.Status)
	})

	t.Run("unknown event type is acknowledged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := webhookRouter(t, f)

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, signedRequest(t, webhookSecret, stripeEvent("evt_cus", "customer.created", `{"id":"cus_1","object":"customer"}`)))

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeResponse(t, rr)
		assert.Equal(t, true, body["received"])
		assert.Equal(t, "evt_cus", body["event_id"])
		assert.Equal(t, "customer.created", body["event_type"])
	})

	t.Run("signed payment failure is applied", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		sub := f.subscribe(t, billing.PlanBase, billing.DurationMonthly, "active", 30)
		h := webhookRouter(t, f)

		payload := stripeEvent("evt_failed_1", "invoice.payment_failed", fmt.Sprintf(
			`{"id":"in_9","object":"invoice","customer":%q,"subscription":%q,"amount_paid":0,"currency":"usd","attempt_count":1,"hosted_invoice_url":"https://pay.test/in_9"}`,
			sub.CustomerID, sub.ExternalID))
		for range 2 {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, signedRequest(t, webhookSecret, payload))
			require.Equal(t, http.StatusOK, rr.Code)
		}

		after, err := f.store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, after.Status)

		dunning, err := f.store.GetDunning(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, dunning.Attempts, "the redelivery was a no-op")

		msgs := f.notifier.Messages()
		last := msgs[len(msgs)-1]
		assert.Equal(t, notify.TemplatePaymentFailed, last.Template)
		assert.Equal(t, "https://pay.test/in_9", last.Data["InvoiceURL"])
	})

	t.Run("oversized body", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		h := webhookRouter(t, f)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(strings.Repeat("x", 70<<10)))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("processing failure asks for redelivery", func(t *testing.T) {
		t.Parallel()
		h := billing.WebhookHandler(failingProcessor{err: errors.New("database unavailable")}, logger.Discard())

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}")))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		body := decodeResponse(t, rr)
		assert.Equal(t, false, body["received"])
		assert.Equal(t, "internal handler error", body["error"])
	})
}

type failingProcessor struct{ err error }

func (p failingProcessor) HandleWebhook(context.Context, []byte, string) (*billing.Event, error) {
	return nil, p.err
}

func TestStripeProvider_ParseEvent(t *testing.T) {
	t.Parallel()

	p := newStripeProvider(t)
	sign := func(payload []byte) string {
		return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: payload, Secret: webhookSecret, Timestamp: time.Now(), Scheme: "v1",
		}).Header
	}

	t.Run("checkout session", func(t *testing.T) {
		t.Parallel()
		payload := stripeEvent("evt_cs", "checkout.session.completed",
			`{"id":"cs_1","object":"checkout.session","customer":{"id":"cus_1","object":"customer"},"subscription":"sub_1","metadata":{"organization_id":"org-1","user_id":"user-1"}}`)

		ev, err := p.ParseEvent(payload, sign(payload))
		require.NoError(t, err)
		assert.Equal(t, "evt_cs", ev.ID)
		assert.Equal(t, billing.EventCheckoutCompleted, ev.Type)
		assert.Equal(t, t0, ev.Created)
		require.NotNil(t, ev.Checkout)
		assert.Equal(t, billing.CheckoutCompleted{
			SessionID:      "cs_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			OrganizationID: "org-1",
			UserID:         "user-1",
		}, *ev.Checkout)
	})

	t.Run("invoice in the current layout", func(t *testing.T) {
		t.Parallel()
		payload := stripeEvent("evt_in", "invoice.paid", fmt.Sprintf(
			`{"id":"in_1","object":"invoice","customer":"cus_1","amount_paid":4950,"currency":"usd","created":%d,
			"parent":{"subscription_details":{"subscription":"sub_1"}},
			"lines":{"data":[{"period":{"start":%d,"end":%d},"pricing":{"price_details":{"price":"price_base_monthly"}}}]}}`,
			t0.Unix(), t0.Unix(), t0.AddDate(0, 1, 0).Unix()))

		ev, err := p.ParseEvent(payload, sign(payload))
		require.NoError(t, err)
		require.NotNil(t, ev.Invoice)
		assert.Equal(t, "sub_1", ev.Invoice.SubscriptionID)
		assert.Equal(t, int64(4950), ev.Invoice.AmountPaid)
		assert.Equal(t, "price_base_monthly", ev.Invoice.PriceID)
		assert.Equal(t, t0, ev.Invoice.PeriodStart)
		assert.Equal(t, t0.AddDate(0, 1, 0), ev.Invoice.PeriodEnd)
	})

	t.Run("subscription", func(t *testing.T) {
		t.Parallel()
		payload := stripeEvent("evt_sub", "customer.subscription.deleted", fmt.Sprintf(
			`{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled","cancel_at":%d,
			"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro_yearly","object":"price"},"current_period_start":%d,"current_period_end":%d}]}}`,
			t0.Unix(), t0.Unix(), t0.AddDate(1, 0, 0).Unix()))

		ev, err := p.ParseEvent(payload, sign(payload))
		require.NoError(t, err)
		require.NotNil(t, ev.Subscription)
		ps := ev.Subscription
		assert.Equal(t, "sub_1", ps.ID)
		assert.Equal(t, "cus_1", ps.CustomerID)
		assert.Equal(t, "canceled", ps.Status)
		assert.Equal(t, "si_1", ps.ItemID)
		assert.Equal(t, "price_pro_yearly", ps.PriceID)
		require.NotNil(t, ps.CancelAt)
		assert.Equal(t, t0, *ps.CancelAt)
		assert.Equal(t, t0.AddDate(1, 0, 0), ps.CurrentPeriodEnd)
	})

	t.Run("malformed object", func(t *testing.T) {
		t.Parallel()
		payload := stripeEvent("evt_bad", "invoice.paid", `{"id":"in_1","object":"invoice","amount_paid":"lots"}`)
		_, err := p.ParseEvent(payload, sign(payload))
		assert.ErrorIs(t, err, billing.ErrMalformedEvent)
	})

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		payload := stripeEvent("evt_cs", "checkout.session.completed", `{"id":"cs_1"}`)
		header := sign(payload)
		tampered := bytes.Replace(payload, []byte("cs_1"), []byte("cs_2"), 1)
		_, err := p.ParseEvent(tampered, header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("configuration is required", func(t *testing.T) {
		t.Parallel()
		_, err := billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test"})
		assert.ErrorIs(t, err, billing.ErrInvalidParams)
	})
}
