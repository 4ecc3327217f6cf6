package reminder

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of reminder jobs. Each kind has its own payload
// type, so the queue dispatches on the Go type rather than on a string tag.
type Kind string

const (
	KindSubscription3Day Kind = "subscription_3day"
	KindSubscription1Day Kind = "subscription_1day"
	KindTaskDue          Kind = "task_due"
	KindInviteExpiry     Kind = "invite_expiry"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSubscription3Day, KindSubscription1Day, KindTaskDue, KindInviteExpiry:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

const (
	QueueEmail        = "email"
	QueueInviteExpiry = "invite_expiry"
)

const (
	threeDayLead = 72 * time.Hour
	oneDayLead   = 24 * time.Hour
	taskDueLead  = 5 * time.Minute
)

// SubscriptionReminder is the body shared by both subscription reminder kinds.
type SubscriptionReminder struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Recipient      string    `json:"recipient"`
	Plan           string    `json:"plan"`
	EndsAt         time.Time `json:"ends_at"`
}

// ThreeDayReminder fires 72 hours before the period ends.
type ThreeDayReminder struct {
	SubscriptionReminder
}

// OneDayReminder fires 24 hours before the period ends.
type OneDayReminder struct {
	SubscriptionReminder
}

type TaskDueReminder struct {
	TaskID    uuid.UUID `json:"task_id"`
	Title     string    `json:"title"`
	Recipient string    `json:"recipient"`
	DueAt     time.Time `json:"due_at"`
}

type InviteExpiry struct {
	InviteID       uuid.UUID `json:"invite_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Handle links a scheduled job to the entity it was scheduled for.
type Handle struct {
	Kind  Kind
	JobID uuid.UUID
}
