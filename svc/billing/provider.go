package billing

import (
	"context"
	"time"
)

// Provider is the payment provider surface billing depends on. Mutating
// calls that can duplicate billable side effects take an idempotency key.
type Provider interface {
	// ParseEvent verifies the webhook signature and decodes the event.
	// Verification failures wrap ErrInvalidSignature.
	ParseEvent(payload []byte, signature string) (*Event, error)

	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProviderSubscription, error)
	UpdateSubscriptionPrice(ctx context.Context, params UpdatePriceParams) (*ProviderSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
	HasActiveSubscription(ctx context.Context, customerID string) (bool, error)
	DefaultPaymentMethod(ctx context.Context, customerID string) (string, error)
}

type CustomerParams struct {
	OrganizationID string
	Email          string
	Name           string
}

type CheckoutParams struct {
	CustomerID     string
	PriceID        string
	TrialDays      int
	SuccessURL     string
	CancelURL      string
	OrganizationID string
	UserID         string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type CreateSubscriptionParams struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	OrganizationID  string
	IdempotencyKey  string
}

// When selects when a plan change takes effect.
type When string

const (
	WhenNow       When = "NOW"
	WhenPeriodEnd When = "PERIOD_END"
)

type UpdatePriceParams struct {
	SubscriptionID string
	ItemID         string
	PriceID        string
	Prorate        bool
	IdempotencyKey string
}

// ProviderSubscription is the provider's view of a subscription, reduced to
// what reconciliation reads.
type ProviderSubscription struct {
	ID                   string
	CustomerID           string
	Status               string
	ItemID               string
	PriceID              string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	CancelAt             *time.Time
	DefaultPaymentMethod string
}

type EventType string

const (
	EventCheckoutCompleted         EventType = "checkout.session.completed"
	EventInvoicePaid               EventType = "invoice.paid"
	EventInvoicePaymentFailed      EventType = "invoice.payment_failed"
	EventInvoiceFinalizationFailed EventType = "invoice.finalization_failed"
	EventSubscriptionDeleted       EventType = "customer.subscription.deleted"
	EventSubscriptionUpdated       EventType = "customer.subscription.updated"
)

// Event is a verified webhook event. Exactly one of the payload pointers is
// set for the known types; unknown types carry none.
type Event struct {
	ID           string
	Type         EventType
	Created      time.Time
	Checkout     *CheckoutCompleted
	Invoice      *Invoice
	Subscription *ProviderSubscription
}

type CheckoutCompleted struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	OrganizationID string
	UserID         string
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	// AmountPaid is in the currency's minor unit.
	AmountPaid   int64
	Currency     string
	Created      time.Time
	PeriodStart  time.Time
	PeriodEnd    time.Time
	PriceID      string
	HostedURL    string
	AttemptCount int
}
