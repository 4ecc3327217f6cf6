package billing

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/taskhub/svc/reminder"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusTrialing   Status = "TRIALING"
	StatusActive     Status = "ACTIVE"
	StatusPastDue    Status = "PAST_DUE"
	StatusCancelled  Status = "CANCELLED"
	StatusProcessing Status = "PROCESSING"
)

// Live reports whether the organization currently holds a paid or trialing
// subscription that blocks creating another one.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Entitled reports whether mutating organization actions are allowed.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

type Subscription struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	Plan            Plan
	Duration        Duration
	Status          Status
	CustomerID      string
	ExternalID      string
	CycleID         string
	CycleStart      time.Time
	CycleEnd        time.Time
	Price           decimal.Decimal
	CancelRequested bool
	CancelledAt     *time.Time
	CancelReason    string
	PaymentMethodID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Features are the ceilings granted by the current plan.
type Features struct {
	SubscriptionID uuid.UUID
	MaxWorkers     int
	MaxProjects    int
	MaxTasks       int
}

func (f Features) Ceiling(kind Resource) int {
	switch kind {
	case ResourceWorkers:
		return f.MaxWorkers
	case ResourceProjects:
		return f.MaxProjects
	case ResourceTasks:
		return f.MaxTasks
	}
	return 0
}

type Resource string

const (
	ResourceWorkers  Resource = "workers"
	ResourceProjects Resource = "projects"
	ResourceTasks    Resource = "tasks"
)

func (r Resource) Valid() bool {
	return r == ResourceWorkers || r == ResourceProjects || r == ResourceTasks
}

// PackageRecord holds the usage counters of one billing cycle.
type PackageRecord struct {
	SubscriptionID uuid.UUID
	CycleID        string
	CycleStart     time.Time
	CycleEnd       time.Time
	IsTrial        bool
	Workers        int
	Projects       int
	Tasks          int
}

func (p PackageRecord) Used(kind Resource) int {
	switch kind {
	case ResourceWorkers:
		return p.Workers
	case ResourceProjects:
		return p.Projects
	case ResourceTasks:
		return p.Tasks
	}
	return 0
}

// ReminderJob links a subscription to a scheduled reminder job. At most one
// exists per (subscription, kind).
type ReminderJob struct {
	SubscriptionID uuid.UUID
	Kind           reminder.Kind
	JobID          uuid.UUID
}

func (r ReminderJob) Handle() reminder.Handle {
	return reminder.Handle{Kind: r.Kind, JobID: r.JobID}
}

type DunningRecord struct {
	SubscriptionID uuid.UUID
	Attempts       int
	LastAttemptAt  time.Time
	FinalFailedAt  *time.Time
}

type BillingStatus string

const (
	BillingStatusPaid BillingStatus = "PAID"
)

type BillingHistory struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	InvoiceID      string
	Amount         decimal.Decimal
	Currency       string
	Status         BillingStatus
	PaidAt         time.Time
}

// Organization is the slice of the organization record billing reads.
type Organization struct {
	ID         uuid.UUID
	Name       string
	OwnerID    uuid.UUID
	OwnerEmail string
	OwnerName  string
}

// CycleID identifies a billing period: the provider subscription plus the
// period start, so replays of the same period resolve to the same record.
func CycleID(externalID string, start time.Time) string {
	return externalID + "_" + strconv.FormatInt(start.Unix(), 10)
}

func (s *Subscription) String() string {
	return fmt.Sprintf("subscription %s (%s %s/%s)", s.ID, s.Status, s.Plan, s.Duration)
}
