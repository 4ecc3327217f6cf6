package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/billing"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
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

// fakeProvider keeps provider subscriptions in memory and replays calls
// that carry an idempotency key it has already seen.
type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	subs      map[string]*billing.ProviderSubscription
	byKey     map[string]*billing.ProviderSubscription
	defaultPM map[string]string
	fail      map[string]error
	calls     map[string]int
	checkouts []billing.CheckoutParams
	creates   []billing.CreateSubscriptionParams
	updates   []billing.UpdatePriceParams
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:      make(map[string]*billing.ProviderSubscription),
		byKey:     make(map[string]*billing.ProviderSubscription),
		defaultPM: make(map[string]string),
		fail:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (p *fakeProvider) enter(op string) error {
	p.calls[op]++
	return p.fail[op]
}

func (p *fakeProvider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *fakeProvider) put(ps billing.ProviderSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[ps.ID] = &ps
}

func (p *fakeProvider) failOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[op] = err
}

func (p *fakeProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) ParseEvent([]byte, string) (*billing.Event, error) {
	return nil, billing.ErrInvalidSignature
}

func (p *fakeProvider) CreateCustomer(context.Context, billing.CustomerParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("create_customer"); err != nil {
		return "", err
	}
	return p.next("cus"), nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("create_checkout"); err != nil {
		return nil, err
	}
	p.checkouts = append(p.checkouts, params)
	id := p.next("cs")
	return &billing.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("get_subscription"); err != nil {
		return nil, err
	}
	ps, ok := p.subs[id]
	if !ok {
		return nil, errors.New("no such subscription: " + id)
	}
	cp := *ps
	return &cp, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, params billing.CreateSubscriptionParams) (*billing.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("create_subscription"); err != nil {
		return nil, err
	}
	if ps, ok := p.byKey[params.IdempotencyKey]; ok {
		cp := *ps
		return &cp, nil
	}
	p.creates = append(p.creates, params)
	ps := &billing.ProviderSubscription{
		ID:                   p.next("sub"),
		CustomerID:           params.CustomerID,
		Status:               "incomplete",
		ItemID:               p.next("si"),
		PriceID:              params.PriceID,
		DefaultPaymentMethod: params.PaymentMethodID,
	}
	p.subs[ps.ID] = ps
	p.byKey[params.IdempotencyKey] = ps
	cp := *ps
	return &cp, nil
}

func (p *fakeProvider) UpdateSubscriptionPrice(_ context.Context, params billing.UpdatePriceParams) (*billing.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("update_subscription"); err != nil {
		return nil, err
	}
	if ps, ok := p.byKey[params.IdempotencyKey]; ok {
		cp := *ps
		return &cp, nil
	}
	ps, ok := p.subs[params.SubscriptionID]
	if !ok {
		return nil, errors.New("no such subscription: " + params.SubscriptionID)
	}
	p.updates = append(p.updates, params)
	ps.PriceID = params.PriceID
	p.byKey[params.IdempotencyKey] = ps
	cp := *ps
	return &cp, nil
}

func (p *fakeProvider) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("set_cancel_at_period_end"); err != nil {
		return err
	}
	if ps, ok := p.subs[id]; ok {
		ps.CancelAtPeriodEnd = cancel
	}
	return nil
}

func (p *fakeProvider) HasActiveSubscription(_ context.Context, customerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("has_active_subscription"); err != nil {
		return false, err
	}
	for _, ps := range p.subs {
		if ps.CustomerID == customerID && billing.MapProviderStatus(ps.Status).Live() {
			return true, nil
		}
	}
	return false, nil
}

func (p *fakeProvider) DefaultPaymentMethod(_ context.Context, customerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("default_payment_method"); err != nil {
		return "", err
	}
	return p.defaultPM[customerID], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// failWith makes every following Send return err; nil restores delivery.
func (r *recordingNotifier) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingNotifier) Messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type fixture struct {
	clock    *clock
	store    *billing.MemoryStore
	provider *fakeProvider
	queue    *queue.MemoryStorage
	enqueuer *queue.Enqueuer
	notifier *recordingNotifier
	catalog  *billing.Catalog
	svc      *billing.Service
	rec      *billing.Reconciler
	jobs     *billing.ReminderJobs
	org      billing.Organization
	ownerID  uuid.UUID
	extSeq   int
}

func newFixture(t *testing.T, opts ...billing.Option) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &clock{now: t0},
		store:    billing.NewMemoryStore(),
		provider: newFakeProvider(),
		queue:    queue.NewMemoryStorage(),
		notifier: &recordingNotifier{},
		catalog:  billing.DefaultCatalog(),
		ownerID:  uuid.New(),
	}
	f.queue.SetClock(f.clock.Now)

	var err error
	f.enqueuer, err = queue.NewEnqueuer(f.queue, queue.WithEnqueuerClock(f.clock.Now))
	require.NoError(t, err)

	f.org = billing.Organization{
		ID:         uuid.New(),
		Name:       "Acme",
		OwnerID:    f.ownerID,
		OwnerEmail: "owner@acme.test",
		OwnerName:  "Ada",
	}
	f.store.PutOrganization(f.org)

	opts = append([]billing.Option{
		billing.WithClock(f.clock.Now),
		billing.WithLogger(logger.Discard()),
		billing.WithBaseURL("https://app.taskhub.test/"),
	}, opts...)
	orchestrator := reminder.New(f.enqueuer, reminder.WithClock(f.clock.Now), reminder.WithLogger(logger.Discard()))
	f.svc = billing.NewService(f.store, f.provider, opts...)
	f.rec = billing.NewReconciler(f.store, f.provider, orchestrator, f.notifier, opts...)
	f.jobs = billing.NewReminderJobs(f.store, f.notifier, opts...)
	return f
}

// subscribe runs checkout for plan/duration and confirms it with a
// provider subscription in providerStatus whose period ends periodDays
// from now.
func (f *fixture) subscribe(t *testing.T, plan billing.Plan, duration billing.Duration, providerStatus string, periodDays int) *billing.Subscription {
	t.Helper()
	ctx := context.Background()

	co, err := f.svc.CreateOrganizationSubscription(ctx, billing.CreateParams{
		OrganizationID: f.org.ID,
		UserID:         f.ownerID,
		Plan:           plan,
		Duration:       duration,
	})
	require.NoError(t, err)

	pending, err := f.store.GetSubscription(ctx, co.SubscriptionID)
	require.NoError(t, err)

	details, err := f.catalog.Details(plan, duration)
	require.NoError(t, err)
	f.extSeq++
	ps := billing.ProviderSubscription{
		ID:                   fmt.Sprintf("sub_ext_%d", f.extSeq),
		CustomerID:           pending.CustomerID,
		Status:               providerStatus,
		ItemID:               "si_1",
		PriceID:              details.PriceID,
		CurrentPeriodStart:   f.clock.Now(),
		CurrentPeriodEnd:     f.clock.Now().AddDate(0, 0, periodDays),
		DefaultPaymentMethod: "pm_card",
	}
	f.provider.put(ps)

	require.NoError(t, f.rec.Process(ctx, f.checkoutEvent("evt_checkout_"+ps.ID, pending.CustomerID, ps.ID)))

	sub, err := f.store.GetSubscription(ctx, co.SubscriptionID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) checkoutEvent(id, customerID, extSubID string) *billing.Event {
	return &billing.Event{
		ID:      id,
		Type:    billing.EventCheckoutCompleted,
		Created: f.clock.Now(),
		Checkout: &billing.CheckoutCompleted{
			SessionID:      "cs_1",
			CustomerID:     customerID,
			SubscriptionID: extSubID,
			OrganizationID: f.org.ID.String(),
			UserID:         f.ownerID.String(),
		},
	}
}

func (f *fixture) invoiceEvent(id string, typ billing.EventType, sub *billing.Subscription, inv billing.Invoice) *billing.Event {
	inv.SubscriptionID = sub.ExternalID
	inv.CustomerID = sub.CustomerID
	if inv.ID == "" {
		inv.ID = "in_" + id
	}
	return &billing.Event{ID: id, Type: typ, Created: f.clock.Now(), Invoice: &inv}
}

// seedActive stores an ACTIVE subscription of the fixture organization with
// the given ceilings and an empty usage record for its cycle.
func (f *fixture) seedActive(t *testing.T, features billing.Features) *billing.Subscription {
	t.Helper()
	now := f.clock.Now()
	sub := &billing.Subscription{
		ID:             uuid.New(),
		OrganizationID: f.org.ID,
		Plan:           billing.PlanBase,
		Duration:       billing.DurationMonthly,
		Status:         billing.StatusActive,
		CustomerID:     "cus_seed",
		ExternalID:     "sub_seed",
		CycleStart:     now,
		CycleEnd:       now.AddDate(0, 1, 0),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sub.CycleID = billing.CycleID(sub.ExternalID, sub.CycleStart)
	features.SubscriptionID = sub.ID

	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
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
