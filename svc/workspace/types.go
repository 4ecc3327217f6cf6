package workspace

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteExpired  InviteStatus = "EXPIRED"
)

type Organization struct {
	ID   uuid.UUID
	Name string
}

// Invite grants Role in an organization to whoever signs in with Email and
// presents Token before ExpiresAt. ExpiryJobID links the job that expires it
// and is cleared once the invite settles.
type Invite struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	InviterID      uuid.UUID
	Email          string
	Role           Role
	Token          string
	Status         InviteStatus
	ExpiresAt      time.Time
	ExpiryJobID    uuid.UUID
	AcceptedBy     uuid.UUID
	AcceptedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Member struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Email          string
	Role           Role
	JoinedAt       time.Time
}

// Task is the part of a task the due reminder depends on. A zero DueAt or
// an empty AssigneeEmail means there is nobody to remind.
type Task struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	Title            string
	AssigneeEmail    string
	DueAt            time.Time
	Done             bool
	DueReminderJobID uuid.UUID
}

func (t Task) wantsReminder() bool {
	return !t.Done && t.AssigneeEmail != "" && !t.DueAt.IsZero()
}
