package workspace

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
)

// MemoryStore is a Store kept in process memory. Transactions hold one
// mutex and work on a copy that replaces the data only on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memberKey struct {
	orgID  uuid.UUID
	userID uuid.UUID
}

type memData struct {
	orgs       map[uuid.UUID]Organization
	invites    map[uuid.UUID]Invite
	members    map[memberKey]Member
	tasks      map[uuid.UUID]Task
	activities []audit.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		orgs:    make(map[uuid.UUID]Organization),
		invites: make(map[uuid.UUID]Invite),
		members: make(map[memberKey]Member),
		tasks:   make(map[uuid.UUID]Task),
	}}
}

func (d *memData) clone() *memData {
	return &memData{
		orgs:       maps.Clone(d.orgs),
		invites:    maps.Clone(d.invites),
		members:    maps.Clone(d.members),
		tasks:      maps.Clone(d.tasks),
		activities: slices.Clone(d.activities),
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(ctx, &memTx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) PutOrganization(org Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.orgs[org.ID] = org
}

// PutTask seeds a task row. Task editing belongs to the caller; this store
// only maintains the reminder link.
func (s *MemoryStore) PutTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tasks[t.ID] = t
}

func (s *MemoryStore) Activities(orgID uuid.UUID) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.data.activities {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) read() *memTx {
	return &memTx{d: s.data}
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetOrganization(ctx, id)
}

func (s *MemoryStore) GetInvite(ctx context.Context, id uuid.UUID) (*Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetInvite(ctx, id)
}

func (s *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetTask(ctx, id)
}

func (s *MemoryStore) ListMembers(ctx context.Context, orgID uuid.UUID) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListMembers(ctx, orgID)
}

type memTx struct {
	d *memData
}

func (t *memTx) GetOrganization(_ context.Context, id uuid.UUID) (*Organization, error) {
	org, ok := t.d.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return &org, nil
}

func (t *memTx) GetInvite(_ context.Context, id uuid.UUID) (*Invite, error) {
	inv, ok := t.d.invites[id]
	if !ok {
		return nil, ErrInviteNotFound
	}
	return &inv, nil
}

func (t *memTx) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	task, ok := t.d.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (t *memTx) ListMembers(_ context.Context, orgID uuid.UUID) ([]Member, error) {
	var out []Member
	for _, m := range t.d.members {
		if m.OrganizationID == orgID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b Member) int {
		return cmp.Or(a.JoinedAt.Compare(b.JoinedAt), cmp.Compare(a.Email, b.Email))
	})
	return out, nil
}

func (t *memTx) RecordActivity(_ context.Context, e audit.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	t.d.activities = append(t.d.activities, e)
	return nil
}

func (t *memTx) LockInvite(ctx context.Context, id uuid.UUID) (*Invite, error) {
	return t.GetInvite(ctx, id)
}

func (t *memTx) LockInviteByToken(_ context.Context, token string) (*Invite, error) {
	return t.findInvite(func(inv Invite) bool { return inv.Token == token })
}

func (t *memTx) LockPendingInvite(_ context.Context, orgID uuid.UUID, email string) (*Invite, error) {
	return t.findInvite(func(inv Invite) bool {
		return inv.OrganizationID == orgID && inv.Email == email && inv.Status == InvitePending
	})
}

func (t *memTx) findInvite(match func(Invite) bool) (*Invite, error) {
	for _, inv := range t.d.invites {
		if match(inv) {
			return &inv, nil
		}
	}
	return nil, ErrInviteNotFound
}

func (t *memTx) LockOverdueInvites(_ context.Context, now time.Time, limit int) ([]Invite, error) {
	var out []Invite
	for _, inv := range t.d.invites {
		if inv.Status == InvitePending && !inv.ExpiresAt.After(now) {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, func(a, b Invite) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateInvite(_ context.Context, inv *Invite) error {
	for _, other := range t.d.invites {
		if other.Token == inv.Token {
			return ErrInviteExists
		}
		if other.Status == InvitePending && other.OrganizationID == inv.OrganizationID && other.Email == inv.Email {
			return ErrInviteExists
		}
	}
	t.d.invites[inv.ID] = *inv
	return nil
}

func (t *memTx) UpdateInvite(_ context.Context, inv *Invite) error {
	if _, ok := t.d.invites[inv.ID]; !ok {
		return ErrInviteNotFound
	}
	t.d.invites[inv.ID] = *inv
	return nil
}

func (t *memTx) IsMember(_ context.Context, orgID uuid.UUID, email string) (bool, error) {
	for _, m := range t.d.members {
		if m.OrganizationID == orgID && m.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) AddMember(_ context.Context, m Member) error {
	key := memberKey{orgID: m.OrganizationID, userID: m.UserID}
	if _, ok := t.d.members[key]; ok {
		return ErrAlreadyMember
	}
	t.d.members[key] = m
	return nil
}

func (t *memTx) LockTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return t.GetTask(ctx, id)
}

func (t *memTx) SetTaskReminder(_ context.Context, taskID, jobID uuid.UUID) error {
	task, ok := t.d.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.DueReminderJobID = jobID
	t.d.tasks[taskID] = task
	return nil
}
