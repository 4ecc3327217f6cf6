package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/pg"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists billing state in PostgreSQL. The schema lives in
// the migrations package.
type PostgresStore struct {
	queries
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: queries{db: pool}, pool: pool}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pg.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{queries{db: tx}})
	})
}

type pgTx struct {
	queries
}

type queries struct {
	db querier
}

const subscriptionColumns = `id, organization_id, plan, duration, status, customer_id,
	COALESCE(external_id, ''), cycle_id, cycle_start, cycle_end, price::text,
	cancel_requested, cancelled_at, cancel_reason, payment_method_id, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		s                    Subscription
		price                string
		cycleStart, cycleEnd *time.Time
	)
	err := row.Scan(
		&s.ID, &s.OrganizationID, &s.Plan, &s.Duration, &s.Status, &s.CustomerID,
		&s.ExternalID, &s.CycleID, &cycleStart, &cycleEnd, &price,
		&s.CancelRequested, &s.CancelledAt, &s.CancelReason, &s.PaymentMethodID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if pg.IsNotFoundError(err) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("subscription %s: price %q: %w", s.ID, price, err)
	}
	if cycleStart != nil {
		s.CycleStart = *cycleStart
	}
	if cycleEnd != nil {
		s.CycleEnd = *cycleEnd
	}
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (q queries) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var org Organization
	err := q.db.QueryRow(ctx, `
		SELECT id, name, owner_id, owner_email, owner_name
		FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.OwnerID, &org.OwnerEmail, &org.OwnerName)
	if pg.IsNotFoundError(err) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (q queries) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (q queries) GetSubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id = $1`, orgID))
}

func (q queries) GetFeatures(ctx context.Context, subscriptionID uuid.UUID) (*Features, error) {
	f := Features{SubscriptionID: subscriptionID}
	err := q.db.QueryRow(ctx, `
		SELECT max_workers, max_projects, max_tasks
		FROM subscription_features WHERE subscription_id = $1`, subscriptionID,
	).Scan(&f.MaxWorkers, &f.MaxProjects, &f.MaxTasks)
	if pg.IsNotFoundError(err) {
		return nil, fmt.Errorf("%w: no features granted", ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (q queries) GetPackageRecord(ctx context.Context, subscriptionID uuid.UUID, cycleID string) (*PackageRecord, error) {
	rec := PackageRecord{SubscriptionID: subscriptionID, CycleID: cycleID}
	err := q.db.QueryRow(ctx, `
		SELECT cycle_start, cycle_end, is_trial, workers, projects, tasks
		FROM package_records WHERE subscription_id = $1 AND cycle_id = $2`, subscriptionID, cycleID,
	).Scan(&rec.CycleStart, &rec.CycleEnd, &rec.IsTrial, &rec.Workers, &rec.Projects, &rec.Tasks)
	if pg.IsNotFoundError(err) {
		return nil, ErrNoCurrentCycle
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (q queries) ListReminderJobs(ctx context.Context, subscriptionID uuid.UUID) ([]ReminderJob, error) {
	rows, err := q.db.Query(ctx, `
		SELECT subscription_id, kind, job_id FROM reminder_jobs
		WHERE subscription_id = $1 ORDER BY kind`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReminderJob, error) {
		var j ReminderJob
		err := row.Scan(&j.SubscriptionID, &j.Kind, &j.JobID)
		return j, err
	})
}

func (q queries) GetDunning(ctx context.Context, subscriptionID uuid.UUID) (*DunningRecord, error) {
	return scanDunning(q.db.QueryRow(ctx, `
		SELECT subscription_id, attempts, last_attempt_at, final_failed_at
		FROM dunning_records WHERE subscription_id = $1`, subscriptionID))
}

func scanDunning(row pgx.Row) (*DunningRecord, error) {
	var d DunningRecord
	err := row.Scan(&d.SubscriptionID, &d.Attempts, &d.LastAttemptAt, &d.FinalFailedAt)
	if pg.IsNotFoundError(err) {
		return nil, fmt.Errorf("%w: no dunning record", ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (q queries) ListBillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]BillingHistory, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, subscription_id, invoice_id, amount::text, currency, status, paid_at
		FROM billing_history WHERE subscription_id = $1 ORDER BY paid_at`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BillingHistory, error) {
		var (
			h      BillingHistory
			amount string
		)
		if err := row.Scan(&h.ID, &h.SubscriptionID, &h.InvoiceID, &amount, &h.Currency, &h.Status, &h.PaidAt); err != nil {
			return h, err
		}
		var err error
		h.Amount, err = decimal.NewFromString(amount)
		return h, err
	})
}

func (t *pgTx) RecordActivity(ctx context.Context, e audit.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO activities (id, organization_id, actor_id, action, resource, resource_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrganizationID, nullUUID(e.ActorID), e.Action, e.Resource, e.ResourceID, e.Metadata, e.CreatedAt)
	return err
}

func (t *pgTx) LockSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(t.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockSubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	return scanSubscription(t.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id = $1 FOR UPDATE`, orgID))
}

func (t *pgTx) LockSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return scanSubscription(t.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1 FOR UPDATE`, externalID))
}

func (t *pgTx) LockCheckoutSubscription(ctx context.Context, customerID string, orgID uuid.UUID) (*Subscription, error) {
	return scanSubscription(t.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE customer_id = $1 AND organization_id = $2 FOR UPDATE`, customerID, orgID))
}

func (t *pgTx) CreateSubscription(ctx context.Context, s *Subscription) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO subscriptions (id, organization_id, plan, duration, status, customer_id,
			external_id, cycle_id, cycle_start, cycle_end, price, cancel_requested,
			cancelled_at, cancel_reason, payment_method_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11::numeric, $12,
			$13, $14, $15, $16, $17)`,
		s.ID, s.OrganizationID, s.Plan, s.Duration, s.Status, s.CustomerID,
		s.ExternalID, s.CycleID, nullTime(s.CycleStart), nullTime(s.CycleEnd), s.Price.String(), s.CancelRequested,
		s.CancelledAt, s.CancelReason, s.PaymentMethodID, s.CreatedAt, s.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrSubscriptionExists
	}
	return err
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s *Subscription) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE subscriptions SET plan = $2, duration = $3, status = $4, customer_id = $5,
			external_id = NULLIF($6, ''), cycle_id = $7, cycle_start = $8, cycle_end = $9,
			price = $10::numeric, cancel_requested = $11, cancelled_at = $12, cancel_reason = $13,
			payment_method_id = $14, updated_at = $15
		WHERE id = $1`,
		s.ID, s.Plan, s.Duration, s.Status, s.CustomerID,
		s.ExternalID, s.CycleID, nullTime(s.CycleStart), nullTime(s.CycleEnd),
		s.Price.String(), s.CancelRequested, s.CancelledAt, s.CancelReason,
		s.PaymentMethodID, s.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: external id %s belongs to another subscription", ErrInvalidState, s.ExternalID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (t *pgTx) UpsertFeatures(ctx context.Context, f Features) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO subscription_features (subscription_id, max_workers, max_projects, max_tasks)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id) DO UPDATE SET
			max_workers = EXCLUDED.max_workers,
			max_projects = EXCLUDED.max_projects,
			max_tasks = EXCLUDED.max_tasks`,
		f.SubscriptionID, f.MaxWorkers, f.MaxProjects, f.MaxTasks)
	return err
}

func (t *pgTx) CreatePackageRecord(ctx context.Context, rec PackageRecord) (bool, error) {
	tag, err := t.db.Exec(ctx, `
		INSERT INTO package_records (subscription_id, cycle_id, cycle_start, cycle_end, is_trial,
			workers, projects, tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subscription_id, cycle_id) DO NOTHING`,
		rec.SubscriptionID, rec.CycleID, rec.CycleStart, rec.CycleEnd, rec.IsTrial,
		rec.Workers, rec.Projects, rec.Tasks)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

var usageColumns = map[Resource]string{
	ResourceWorkers:  "workers",
	ResourceProjects: "projects",
	ResourceTasks:    "tasks",
}

func (t *pgTx) IncrementUsage(ctx context.Context, subscriptionID uuid.UUID, cycleID string, kind Resource, ceiling int) (int, error) {
	col, ok := usageColumns[kind]
	if !ok {
		return 0, ErrUnknownKind
	}

	var n int
	err := t.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE package_records SET %[1]s = %[1]s + 1
		WHERE subscription_id = $1 AND cycle_id = $2 AND %[1]s < $3
		RETURNING %[1]s`, col), subscriptionID, cycleID, ceiling).Scan(&n)
	if err == nil {
		return n, nil
	}
	if !pg.IsNotFoundError(err) {
		return 0, err
	}

	// No row updated: either the cycle has no record or the ceiling is reached.
	rec, err := t.GetPackageRecord(ctx, subscriptionID, cycleID)
	if err != nil {
		return 0, err
	}
	return rec.Used(kind), ErrLimitExceeded
}

func (t *pgTx) CreateReminderJob(ctx context.Context, job ReminderJob) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO reminder_jobs (subscription_id, kind, job_id) VALUES ($1, $2, $3)`,
		job.SubscriptionID, job.Kind, job.JobID)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: reminder %s already linked", ErrInvalidState, job.Kind)
	}
	return err
}

func (t *pgTx) DeleteReminderJob(ctx context.Context, subscriptionID uuid.UUID, kind reminder.Kind) error {
	_, err := t.db.Exec(ctx,
		`DELETE FROM reminder_jobs WHERE subscription_id = $1 AND kind = $2`, subscriptionID, kind)
	return err
}

func (t *pgTx) DeleteReminderJobs(ctx context.Context, subscriptionID uuid.UUID) error {
	_, err := t.db.Exec(ctx, `DELETE FROM reminder_jobs WHERE subscription_id = $1`, subscriptionID)
	return err
}

func (t *pgTx) RecordDunningFailure(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (*DunningRecord, error) {
	return scanDunning(t.db.QueryRow(ctx, `
		INSERT INTO dunning_records (subscription_id, attempts, last_attempt_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (subscription_id) DO UPDATE SET
			attempts = dunning_records.attempts + 1,
			last_attempt_at = EXCLUDED.last_attempt_at
		RETURNING subscription_id, attempts, last_attempt_at, final_failed_at`, subscriptionID, at))
}

func (t *pgTx) MarkDunningFinalFailure(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO dunning_records (subscription_id, attempts, last_attempt_at, final_failed_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (subscription_id) DO UPDATE SET final_failed_at = EXCLUDED.final_failed_at`,
		subscriptionID, at)
	return err
}

func (t *pgTx) AppendBillingHistory(ctx context.Context, h BillingHistory) (bool, error) {
	tag, err := t.db.Exec(ctx, `
		INSERT INTO billing_history (id, subscription_id, invoice_id, amount, currency, status, paid_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT (invoice_id) DO NOTHING`,
		h.ID, h.SubscriptionID, h.InvoiceID, h.Amount.String(), h.Currency, h.Status, h.PaidAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID string, eventType EventType, at time.Time) (bool, error) {
	if eventID == "" {
		return false, errors.New("billing: empty event id")
	}
	tag, err := t.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, processed_at) VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
