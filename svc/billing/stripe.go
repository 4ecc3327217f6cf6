package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

type StripeOption func(*stripeOptions)

type stripeOptions struct {
	backends *stripe.Backends
}

// WithStripeBackends replaces the HTTP backends, e.g. to point the client
// at a local stub.
func WithStripeBackends(b *stripe.Backends) StripeOption {
	return func(o *stripeOptions) { o.backends = b }
}

func NewStripeProvider(cfg StripeConfig, opts ...StripeOption) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY is required", ErrInvalidParams)
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is required", ErrInvalidParams)
	}
	var o stripeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &StripeProvider{
		api:           client.New(cfg.SecretKey, o.backends),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (p *StripeProvider) ParseEvent(payload []byte, signature string) (*Event, error) {
	return parseStripeEvent(payload, signature, p.webhookSecret)
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	cp := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
		Name:  stripe.String(params.Name),
	}
	cp.Context = ctx
	cp.AddMetadata(metaOrganizationID, params.OrganizationID)

	c, err := p.api.Customers.New(cp)
	if err != nil {
		return "", providerError("create customer", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	sp := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(params.CustomerID),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(params.PriceID),
			Quantity: stripe.Int64(1),
		}},
	}
	if params.TrialDays > 0 {
		sp.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(int64(params.TrialDays)),
		}
	}
	sp.Context = ctx
	sp.AddMetadata(metaOrganizationID, params.OrganizationID)
	sp.AddMetadata(metaUserID, params.UserID)

	s, err := p.api.CheckoutSessions.New(sp)
	if err != nil {
		return nil, providerError("create checkout session", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	sp := &stripe.SubscriptionParams{}
	sp.Context = ctx
	s, err := p.api.Subscriptions.Get(id, sp)
	if err != nil {
		return nil, providerError("get subscription", err)
	}
	return fromStripeSubscription(s), nil
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProviderSubscription, error) {
	sp := &stripe.SubscriptionParams{
		Customer:             stripe.String(params.CustomerID),
		Items:                []*stripe.SubscriptionItemsParams{{Price: stripe.String(params.PriceID)}},
		DefaultPaymentMethod: stripe.String(params.PaymentMethodID),
		PaymentBehavior:      stripe.String("default_incomplete"),
	}
	sp.Context = ctx
	sp.SetIdempotencyKey(params.IdempotencyKey)
	sp.AddMetadata(metaOrganizationID, params.OrganizationID)

	s, err := p.api.Subscriptions.New(sp)
	if err != nil {
		return nil, providerError("create subscription", err)
	}
	return fromStripeSubscription(s), nil
}

func (p *StripeProvider) UpdateSubscriptionPrice(ctx context.Context, params UpdatePriceParams) (*ProviderSubscription, error) {
	sp := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(params.ItemID),
			Price: stripe.String(params.PriceID),
		}},
	}
	if params.Prorate {
		sp.ProrationBehavior = stripe.String("create_prorations")
		sp.BillingCycleAnchorNow = stripe.Bool(true)
	} else {
		sp.ProrationBehavior = stripe.String("none")
		sp.BillingCycleAnchorUnchanged = stripe.Bool(true)
	}
	sp.Context = ctx
	sp.SetIdempotencyKey(params.IdempotencyKey)

	s, err := p.api.Subscriptions.Update(params.SubscriptionID, sp)
	if err != nil {
		return nil, providerError("update subscription price", err)
	}
	return fromStripeSubscription(s), nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	sp := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	sp.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionID, sp); err != nil {
		return providerError("set cancel at period end", err)
	}
	return nil
}

// HasActiveSubscription reports whether any subscription of the customer is
// still billable from the provider's point of view.
func (p *StripeProvider) HasActiveSubscription(ctx context.Context, customerID string) (bool, error) {
	lp := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	lp.Context = ctx
	it := p.api.Subscriptions.List(lp)
	for it.Next() {
		switch MapProviderStatus(string(it.Subscription().Status)) {
		case StatusActive, StatusTrialing, StatusPastDue:
			return true, nil
		}
	}
	if err := it.Err(); err != nil {
		return false, providerError("list subscriptions", err)
	}
	return false, nil
}

func (p *StripeProvider) DefaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	cp := &stripe.CustomerParams{}
	cp.Context = ctx
	c, err := p.api.Customers.Get(customerID, cp)
	if err != nil {
		return "", providerError("get customer", err)
	}
	if c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", nil
	}
	return c.InvoiceSettings.DefaultPaymentMethod.ID, nil
}

const (
	metaOrganizationID = "organization_id"
	metaUserID         = "user_id"
)

func fromStripeSubscription(s *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethod = s.DefaultPaymentMethod.ID
	}
	if s.CancelAt > 0 {
		at := time.Unix(s.CancelAt, 0).UTC()
		out.CancelAt = &at
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

// parseStripeEvent verifies the signature header and decodes the object of
// the event types billing reconciles. Invoice fields are read from both the
// pre-2025 and the current invoice layout.
func parseStripeEvent(payload []byte, signature, secret string) (*Event, error) {
	se, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	ev := &Event{
		ID:      se.ID,
		Type:    EventType(se.Type),
		Created: time.Unix(se.Created, 0).UTC(),
	}
	if se.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var s checkoutPayload
		if err := json.Unmarshal(se.Data.Raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		ev.Checkout = &CheckoutCompleted{
			SessionID:      s.ID,
			CustomerID:     expandableID(s.Customer),
			SubscriptionID: expandableID(s.Subscription),
			OrganizationID: s.Metadata[metaOrganizationID],
			UserID:         s.Metadata[metaUserID],
		}
	case EventInvoicePaid, EventInvoicePaymentFailed, EventInvoiceFinalizationFailed:
		var in invoicePayload
		if err := json.Unmarshal(se.Data.Raw, &in); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		ev.Invoice = in.toInvoice()
	case EventSubscriptionDeleted, EventSubscriptionUpdated:
		var s stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		ev.Subscription = fromStripeSubscription(&s)
	}
	return ev, nil
}

type checkoutPayload struct {
	ID           string            `json:"id"`
	Customer     json.RawMessage   `json:"customer"`
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID               string          `json:"id"`
	Customer         json.RawMessage `json:"customer"`
	Subscription     json.RawMessage `json:"subscription"`
	AmountPaid       int64           `json:"amount_paid"`
	Currency         string          `json:"currency"`
	Created          int64           `json:"created"`
	HostedInvoiceURL string          `json:"hosted_invoice_url"`
	AttemptCount     int             `json:"attempt_count"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Subscription json.RawMessage `json:"subscription"`
		} `json:"data"`
	} `json:"lines"`
}

func (in invoicePayload) toInvoice() *Invoice {
	out := &Invoice{
		ID:             in.ID,
		CustomerID:     expandableID(in.Customer),
		SubscriptionID: expandableID(in.Subscription),
		AmountPaid:     in.AmountPaid,
		Currency:       in.Currency,
		Created:        time.Unix(in.Created, 0).UTC(),
		HostedURL:      in.HostedInvoiceURL,
		AttemptCount:   in.AttemptCount,
	}
	if out.SubscriptionID == "" && in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = expandableID(in.Parent.SubscriptionDetails.Subscription)
	}
	if len(in.Lines.Data) > 0 {
		line := in.Lines.Data[0]
		out.PeriodStart = time.Unix(line.Period.Start, 0).UTC()
		out.PeriodEnd = time.Unix(line.Period.End, 0).UTC()
		switch {
		case line.Price != nil && line.Price.ID != "":
			out.PriceID = line.Price.ID
		case line.Pricing != nil && line.Pricing.PriceDetails != nil:
			out.PriceID = line.Pricing.PriceDetails.Price
		}
		if out.SubscriptionID == "" {
			out.SubscriptionID = expandableID(line.Subscription)
		}
	}
	return out
}

// expandableID reads a field that is either an id string or an expanded
// object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
