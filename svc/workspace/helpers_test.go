package workspace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/billing"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
	"github.com/dmitrymomot/taskhub/svc/workspace"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) Messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

// fixture runs the workspace service against a real billing service whose
// organization holds an ACTIVE subscription with maxWorkers seats.
type fixture struct {
	clock    *clock
	queue    *queue.MemoryStorage
	enqueuer *queue.Enqueuer
	notifier *recordingNotifier
	billing  *billing.MemoryStore
	sub      *billing.Subscription
	store    *workspace.MemoryStore
	svc      *workspace.Service
	orgID    uuid.UUID
	ownerID  uuid.UUID
}

func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &clock{now: t0},
		queue:    queue.NewMemoryStorage(),
		notifier: &recordingNotifier{},
		billing:  billing.NewMemoryStore(),
		store:    workspace.NewMemoryStore(),
		orgID:    uuid.New(),
		ownerID:  uuid.New(),
	}
	f.queue.SetClock(f.clock.Now)

	var err error
	f.enqueuer, err = queue.NewEnqueuer(f.queue, queue.WithEnqueuerClock(f.clock.Now))
	require.NoError(t, err)

	f.store.PutOrganization(workspace.Organization{ID: f.orgID, Name: "Acme"})
	f.billing.PutOrganization(billing.Organization{
		ID:         f.orgID,
		Name:       "Acme",
		OwnerID:    f.ownerID,
		OwnerEmail: "owner@acme.test",
	})
	f.sub = seedSubscription(t, f.billing, f.orgID, billing.Features{MaxWorkers: maxWorkers, MaxProjects: 5, MaxTasks: 100})

	provider, err := billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test_taskhub", WebhookSecret: "whsec_test_taskhub"})
	require.NoError(t, err)
	seats := billing.NewService(f.billing, provider, billing.WithClock(f.clock.Now), billing.WithLogger(logger.Discard()))
	orchestrator := reminder.New(f.enqueuer, reminder.WithClock(f.clock.Now), reminder.WithLogger(logger.Discard()))

	f.svc = workspace.NewService(f.store, seats, orchestrator, f.notifier,
		workspace.WithClock(f.clock.Now),
		workspace.WithLogger(logger.Discard()),
		workspace.WithBaseURL("https://app.taskhub.test/"))
	return f
}

func seedSubscription(t *testing.T, store *billing.MemoryStore, orgID uuid.UUID, features billing.Features) *billing.Subscription {
	t.Helper()
	sub := &billing.Subscription{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Plan:           billing.PlanBase,
		Duration:       billing.DurationMonthly,
		Status:         billing.StatusActive,
		CustomerID:     "cus_seed",
		ExternalID:     "sub_seed",
		CycleStart:     t0,
		CycleEnd:       t0.AddDate(0, 1, 0),
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	sub.CycleID = billing.CycleID(sub.ExternalID, sub.CycleStart)
	features.SubscriptionID = sub.ID

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.UpsertFeatures(ctx, features); err != nil {
			return err
		}
		_, err := tx.CreatePackageRecord(ctx, billing.PackageRecord{
			SubscriptionID: sub.ID,
			CycleID:        sub.CycleID,
			CycleStart:     sub.CycleStart,
			CycleEnd:       sub.CycleEnd,
		})
		return err
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) invite(t *testing.T, email string, role workspace.Role) *workspace.Invite {
	t.Helper()
	inv, err := f.svc.CreateInvite(context.Background(), workspace.CreateInviteParams{
		OrganizationID: f.orgID,
		InviterID:      f.ownerID,
		Email:          email,
		Role:           role,
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) usedSeats(t *testing.T) int {
	t.Helper()
	rec, err := f.billing.GetPackageRecord(context.Background(), f.sub.ID, f.sub.CycleID)
	require.NoError(t, err)
	return rec.Workers
}

func (f *fixture) worker(t *testing.T, queues ...string) *queue.Worker {
	t.Helper()
	w, err := queue.NewWorker(f.queue, queue.WithQueues(queues...))
	require.NoError(t, err)
	w.RegisterHandlers(f.svc.Handlers()...)
	return w
}

func actions(events []audit.Event) []audit.Action {
	out := make([]audit.Action, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}
