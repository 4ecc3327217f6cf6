package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

// Reader is the read side shared by the store and its transactions.
// Lookups that find nothing return the matching ErrXxxNotFound class error.
type Reader interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetSubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	GetFeatures(ctx context.Context, subscriptionID uuid.UUID) (*Features, error)
	GetPackageRecord(ctx context.Context, subscriptionID uuid.UUID, cycleID string) (*PackageRecord, error)
	ListReminderJobs(ctx context.Context, subscriptionID uuid.UUID) ([]ReminderJob, error)
	GetDunning(ctx context.Context, subscriptionID uuid.UUID) (*DunningRecord, error)
	ListBillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]BillingHistory, error)
}

// Tx is one store transaction. The Lock methods hold the subscription row
// until the transaction ends, which serializes every writer of that
// subscription.
type Tx interface {
	Reader
	audit.Writer

	LockSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	LockSubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	LockSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// LockCheckoutSubscription locks the organization's row for the checkout
	// customer, whatever its status. A row that is no longer PENDING is
	// already bound to a provider subscription.
	LockCheckoutSubscription(ctx context.Context, customerID string, orgID uuid.UUID) (*Subscription, error)

	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// UpsertFeatures replaces the ceilings of the subscription.
	UpsertFeatures(ctx context.Context, f Features) error

	// CreatePackageRecord reports false when the cycle already has a record.
	CreatePackageRecord(ctx context.Context, rec PackageRecord) (bool, error)
	// IncrementUsage adds one to the counter of kind unless it already
	// reached ceiling, returning the new value or ErrLimitExceeded.
	IncrementUsage(ctx context.Context, subscriptionID uuid.UUID, cycleID string, kind Resource, ceiling int) (int, error)

	CreateReminderJob(ctx context.Context, job ReminderJob) error
	DeleteReminderJob(ctx context.Context, subscriptionID uuid.UUID, kind reminder.Kind) error
	DeleteReminderJobs(ctx context.Context, subscriptionID uuid.UUID) error

	// RecordDunningFailure creates the record on the first failure and
	// increments it afterwards.
	RecordDunningFailure(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (*DunningRecord, error)
	MarkDunningFinalFailure(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error

	// AppendBillingHistory reports false when the invoice is already recorded.
	AppendBillingHistory(ctx context.Context, entry BillingHistory) (bool, error)

	// MarkEventProcessed records a webhook event id and reports whether this
	// is its first delivery.
	MarkEventProcessed(ctx context.Context, eventID string, eventType EventType, at time.Time) (bool, error)
}

type Store interface {
	Reader
	// WithinTx runs fn in one transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
