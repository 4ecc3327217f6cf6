package workspace

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
)

type Reader interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
	GetInvite(ctx context.Context, id uuid.UUID) (*Invite, error)
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]Member, error)
}

// Tx is one store transaction. Lock methods hold the row until the
// transaction ends.
type Tx interface {
	Reader
	audit.Writer

	LockInvite(ctx context.Context, id uuid.UUID) (*Invite, error)
	LockInviteByToken(ctx context.Context, token string) (*Invite, error)
	// LockPendingInvite finds the PENDING invite of email in the organization.
	LockPendingInvite(ctx context.Context, orgID uuid.UUID, email string) (*Invite, error)
	// LockOverdueInvites returns up to limit PENDING invites that expired at
	// or before now, skipping rows another transaction holds.
	LockOverdueInvites(ctx context.Context, now time.Time, limit int) ([]Invite, error)
	CreateInvite(ctx context.Context, inv *Invite) error
	UpdateInvite(ctx context.Context, inv *Invite) error

	IsMember(ctx context.Context, orgID uuid.UUID, email string) (bool, error)
	AddMember(ctx context.Context, m Member) error

	LockTask(ctx context.Context, id uuid.UUID) (*Task, error)
	// SetTaskReminder replaces the due reminder link; uuid.Nil clears it.
	SetTaskReminder(ctx context.Context, taskID, jobID uuid.UUID) error
}

type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
