package workspace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/pg"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists invites, memberships and task reminder links.
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

const inviteColumns = `id, organization_id, inviter_id, email, role, token, status, expires_at,
	expiry_job_id, accepted_by, accepted_at, created_at, updated_at`

func scanInvite(row pgx.Row) (*Invite, error) {
	var (
		inv                   Invite
		expiryJob, acceptedBy *uuid.UUID
	)
	err := row.Scan(
		&inv.ID, &inv.OrganizationID, &inv.InviterID, &inv.Email, &inv.Role, &inv.Token, &inv.Status,
		&inv.ExpiresAt, &expiryJob, &acceptedBy, &inv.AcceptedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if pg.IsNotFoundError(err) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.ExpiryJobID = derefUUID(expiryJob)
	inv.AcceptedBy = derefUUID(acceptedBy)
	return &inv, nil
}

const taskColumns = `id, organization_id, title, COALESCE(assignee_email, ''), due_at, done, due_reminder_job_id`

func scanTask(row pgx.Row) (*Task, error) {
	var (
		task  Task
		dueAt *time.Time
		job   *uuid.UUID
	)
	err := row.Scan(&task.ID, &task.OrganizationID, &task.Title, &task.AssigneeEmail, &dueAt, &task.Done, &job)
	if pg.IsNotFoundError(err) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if dueAt != nil {
		task.DueAt = *dueAt
	}
	task.DueReminderJobID = derefUUID(job)
	return &task, nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func (q queries) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var org Organization
	err := q.db.QueryRow(ctx, `SELECT id, name FROM organizations WHERE id = $1`, id).Scan(&org.ID, &org.Name)
	if pg.IsNotFoundError(err) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (q queries) GetInvite(ctx context.Context, id uuid.UUID) (*Invite, error) {
	return scanInvite(q.db.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM organization_invites WHERE id = $1`, id))
}

func (q queries) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (q queries) ListMembers(ctx context.Context, orgID uuid.UUID) ([]Member, error) {
	rows, err := q.db.Query(ctx, `
		SELECT organization_id, user_id, email, role, created_at
		FROM memberships WHERE organization_id = $1
		ORDER BY created_at, email`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Email, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
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

func (t *pgTx) LockInvite(ctx context.Context, id uuid.UUID) (*Invite, error) {
	return scanInvite(t.db.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM organization_invites WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockInviteByToken(ctx context.Context, token string) (*Invite, error) {
	return scanInvite(t.db.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM organization_invites WHERE token = $1 FOR UPDATE`, token))
}

func (t *pgTx) LockPendingInvite(ctx context.Context, orgID uuid.UUID, email string) (*Invite, error) {
	return scanInvite(t.db.QueryRow(ctx, `
		SELECT `+inviteColumns+` FROM organization_invites
		WHERE organization_id = $1 AND email = $2 AND status = 'PENDING'
		FOR UPDATE`, orgID, email))
}

func (t *pgTx) LockOverdueInvites(ctx context.Context, now time.Time, limit int) ([]Invite, error) {
	rows, err := t.db.Query(ctx, `
		SELECT `+inviteColumns+` FROM organization_invites
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (t *pgTx) CreateInvite(ctx context.Context, inv *Invite) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO organization_invites (id, organization_id, inviter_id, email, role, token, status,
			expires_at, expiry_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.OrganizationID, inv.InviterID, inv.Email, inv.Role, inv.Token, inv.Status,
		inv.ExpiresAt, nullUUID(inv.ExpiryJobID), inv.CreatedAt, inv.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrInviteExists
	}
	return err
}

func (t *pgTx) UpdateInvite(ctx context.Context, inv *Invite) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE organization_invites
		SET status = $2, expiry_job_id = $3, accepted_by = $4, accepted_at = $5, updated_at = $6
		WHERE id = $1`,
		inv.ID, inv.Status, nullUUID(inv.ExpiryJobID), nullUUID(inv.AcceptedBy), inv.AcceptedAt, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInviteNotFound
	}
	return nil
}

func (t *pgTx) IsMember(ctx context.Context, orgID uuid.UUID, email string) (bool, error) {
	var ok bool
	err := t.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM memberships WHERE organization_id = $1 AND email = $2)`,
		orgID, email).Scan(&ok)
	return ok, err
}

func (t *pgTx) AddMember(ctx context.Context, m Member) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO memberships (organization_id, user_id, email, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.OrganizationID, m.UserID, m.Email, m.Role, m.JoinedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrAlreadyMember
	}
	return err
}

func (t *pgTx) LockTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return scanTask(t.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetTaskReminder(ctx context.Context, taskID, jobID uuid.UUID) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE tasks SET due_reminder_job_id = $2, updated_at = now() WHERE id = $1`,
		taskID, nullUUID(jobID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}
