package billing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

// MemoryStore is a Store kept in process memory, used by tests and the
// dev profile. Transactions are serialized by one mutex and run against a
// copy of the data that replaces the original only on commit, so a failed
// transaction leaves no trace.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type packageKey struct {
	subscriptionID uuid.UUID
	cycleID        string
}

type reminderKey struct {
	subscriptionID uuid.UUID
	kind           reminder.Kind
}

type memData struct {
	orgs       map[uuid.UUID]Organization
	subs       map[uuid.UUID]Subscription
	features   map[uuid.UUID]Features
	packages   map[packageKey]PackageRecord
	reminders  map[reminderKey]ReminderJob
	dunning    map[uuid.UUID]DunningRecord
	history    map[string]BillingHistory
	events     map[string]EventType
	activities []audit.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		orgs:      make(map[uuid.UUID]Organization),
		subs:      make(map[uuid.UUID]Subscription),
		features:  make(map[uuid.UUID]Features),
		packages:  make(map[packageKey]PackageRecord),
		reminders: make(map[reminderKey]ReminderJob),
		dunning:   make(map[uuid.UUID]DunningRecord),
		history:   make(map[string]BillingHistory),
		events:    make(map[string]EventType),
	}}
}

func (d *memData) clone() *memData {
	return &memData{
		orgs:       maps.Clone(d.orgs),
		subs:       maps.Clone(d.subs),
		features:   maps.Clone(d.features),
		packages:   maps.Clone(d.packages),
		reminders:  maps.Clone(d.reminders),
		dunning:    maps.Clone(d.dunning),
		history:    maps.Clone(d.history),
		events:     maps.Clone(d.events),
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

// PutOrganization seeds the organization table, which billing only reads.
func (s *MemoryStore) PutOrganization(org Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.orgs[org.ID] = org
}

// Activities returns the activity entries of an organization in insertion order.
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

func (s *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetSubscription(ctx, id)
}

func (s *MemoryStore) GetSubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetSubscriptionByOrganization(ctx, orgID)
}

func (s *MemoryStore) GetFeatures(ctx context.Context, subscriptionID uuid.UUID) (*Features, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetFeatures(ctx, subscriptionID)
}

func (s *MemoryStore) GetPackageRecord(ctx context.Context, subscriptionID uuid.UUID, cycleID string) (*PackageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetPackageRecord(ctx, subscriptionID, cycleID)
}

func (s *MemoryStore) ListReminderJobs(ctx context.Context, subscriptionID uuid.UUID) ([]ReminderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListReminderJobs(ctx, subscriptionID)
}

func (s *MemoryStore) GetDunning(ctx context.Context, subscriptionID uuid.UUID) (*DunningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetDunning(ctx, subscriptionID)
}

func (s *MemoryStore) ListBillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]BillingHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListBillingHistory(ctx, subscriptionID)
}

// memTx works on the transaction's private copy; the store mutex is held
// for its whole lifetime.
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

func (t *memTx) GetSubscription(_ context.Context, id uuid.UUID) (*Subscription, error) {
	sub, ok := t.d.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (t *memTx) GetSubscriptionByOrganization(_ context.Context, orgID uuid.UUID) (*Subscription, error) {
	return t.findSubscription(func(s Subscription) bool { return s.OrganizationID == orgID })
}

func (t *memTx) findSubscription(match func(Subscription) bool) (*Subscription, error) {
	for _, s := range t.d.subs {
		if match(s) {
			return &s, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (t *memTx) GetFeatures(_ context.Context, subscriptionID uuid.UUID) (*Features, error) {
	f, ok := t.d.features[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: no features granted", ErrSubscriptionNotFound)
	}
	return &f, nil
}

func (t *memTx) GetPackageRecord(_ context.Context, subscriptionID uuid.UUID, cycleID string) (*PackageRecord, error) {
	rec, ok := t.d.packages[packageKey{subscriptionID, cycleID}]
	if !ok {
		return nil, ErrNoCurrentCycle
	}
	return &rec, nil
}

func (t *memTx) ListReminderJobs(_ context.Context, subscriptionID uuid.UUID) ([]ReminderJob, error) {
	var out []ReminderJob
	for _, j := range t.d.reminders {
		if j.SubscriptionID == subscriptionID {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b ReminderJob) int {
		switch {
		case a.Kind < b.Kind:
			return -1
		case a.Kind > b.Kind:
			return 1
		}
		return 0
	})
	return out, nil
}

func (t *memTx) GetDunning(_ context.Context, subscriptionID uuid.UUID) (*DunningRecord, error) {
	d, ok := t.d.dunning[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: no dunning record", ErrSubscriptionNotFound)
	}
	return &d, nil
}

func (t *memTx) ListBillingHistory(_ context.Context, subscriptionID uuid.UUID) ([]BillingHistory, error) {
	var out []BillingHistory
	for _, h := range t.d.history {
		if h.SubscriptionID == subscriptionID {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b BillingHistory) int { return a.PaidAt.Compare(b.PaidAt) })
	return out, nil
}

func (t *memTx) RecordActivity(_ context.Context, e audit.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	t.d.activities = append(t.d.activities, e)
	return nil
}

func (t *memTx) LockSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return t.GetSubscription(ctx, id)
}

func (t *memTx) LockSubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	return t.GetSubscriptionByOrganization(ctx, orgID)
}

func (t *memTx) LockSubscriptionByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return t.findSubscription(func(s Subscription) bool { return s.ExternalID == externalID })
}

func (t *memTx) LockCheckoutSubscription(_ context.Context, customerID string, orgID uuid.UUID) (*Subscription, error) {
	return t.findSubscription(func(s Subscription) bool {
		return s.CustomerID == customerID && s.OrganizationID == orgID
	})
}

func (t *memTx) CreateSubscription(_ context.Context, sub *Subscription) error {
	for _, s := range t.d.subs {
		if s.OrganizationID == sub.OrganizationID {
			return ErrSubscriptionExists
		}
	}
	t.d.subs[sub.ID] = *sub
	return nil
}

func (t *memTx) UpdateSubscription(_ context.Context, sub *Subscription) error {
	if _, ok := t.d.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	if sub.ExternalID != "" {
		for id, s := range t.d.subs {
			if id != sub.ID && s.ExternalID == sub.ExternalID {
				return fmt.Errorf("%w: external id %s belongs to another subscription", ErrInvalidState, sub.ExternalID)
			}
		}
	}
	t.d.subs[sub.ID] = *sub
	return nil
}

func (t *memTx) UpsertFeatures(_ context.Context, f Features) error {
	t.d.features[f.SubscriptionID] = f
	return nil
}

func (t *memTx) CreatePackageRecord(_ context.Context, rec PackageRecord) (bool, error) {
	key := packageKey{rec.SubscriptionID, rec.CycleID}
	if _, ok := t.d.packages[key]; ok {
		return false, nil
	}
	t.d.packages[key] = rec
	return true, nil
}

func (t *memTx) IncrementUsage(_ context.Context, subscriptionID uuid.UUID, cycleID string, kind Resource, ceiling int) (int, error) {
	key := packageKey{subscriptionID, cycleID}
	rec, ok := t.d.packages[key]
	if !ok {
		return 0, ErrNoCurrentCycle
	}
	used := rec.Used(kind)
	if used >= ceiling {
		return used, ErrLimitExceeded
	}
	switch kind {
	case ResourceWorkers:
		rec.Workers++
	case ResourceProjects:
		rec.Projects++
	case ResourceTasks:
		rec.Tasks++
	default:
		return 0, ErrUnknownKind
	}
	t.d.packages[key] = rec
	return used + 1, nil
}

func (t *memTx) CreateReminderJob(_ context.Context, job ReminderJob) error {
	key := reminderKey{job.SubscriptionID, job.Kind}
	if _, ok := t.d.reminders[key]; ok {
		return fmt.Errorf("%w: reminder %s already linked", ErrInvalidState, job.Kind)
	}
	t.d.reminders[key] = job
	return nil
}

func (t *memTx) DeleteReminderJob(_ context.Context, subscriptionID uuid.UUID, kind reminder.Kind) error {
	delete(t.d.reminders, reminderKey{subscriptionID, kind})
	return nil
}

func (t *memTx) DeleteReminderJobs(_ context.Context, subscriptionID uuid.UUID) error {
	maps.DeleteFunc(t.d.reminders, func(k reminderKey, _ ReminderJob) bool {
		return k.subscriptionID == subscriptionID
	})
	return nil
}

func (t *memTx) RecordDunningFailure(_ context.Context, subscriptionID uuid.UUID, at time.Time) (*DunningRecord, error) {
	rec := t.d.dunning[subscriptionID]
	rec.SubscriptionID = subscriptionID
	rec.Attempts++
	rec.LastAttemptAt = at
	t.d.dunning[subscriptionID] = rec
	return &rec, nil
}

func (t *memTx) MarkDunningFinalFailure(_ context.Context, subscriptionID uuid.UUID, at time.Time) error {
	rec := t.d.dunning[subscriptionID]
	rec.SubscriptionID = subscriptionID
	rec.FinalFailedAt = &at
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = at
	}
	t.d.dunning[subscriptionID] = rec
	return nil
}

func (t *memTx) AppendBillingHistory(_ context.Context, entry BillingHistory) (bool, error) {
	if _, ok := t.d.history[entry.InvoiceID]; ok {
		return false, nil
	}
	t.d.history[entry.InvoiceID] = entry
	return true, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string, eventType EventType, _ time.Time) (bool, error) {
	if _, ok := t.d.events[eventID]; ok {
		return false, nil
	}
	t.d.events[eventID] = eventType
	return true, nil
}
