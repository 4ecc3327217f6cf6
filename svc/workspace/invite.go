package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/audit"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/billing"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
)

const inviteResource = "invite"

type CreateInviteParams struct {
	OrganizationID uuid.UUID `validate:"required"`
	InviterID      uuid.UUID `validate:"required"`
	Email          string    `validate:"required,email"`
	Role           Role      `validate:"required,oneof=OWNER ADMIN MEMBER"`
}

// CreateInvite issues a PENDING invite and schedules the job that expires
// it. The job is scheduled before the row is written, so a committed invite
// always links its job.
func (s *Service) CreateInvite(ctx context.Context, params CreateInviteParams) (*Invite, error) {
	params.Email = normalizeEmail(params.Email)
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if params.Role == RoleOwner {
		return nil, ErrOwnerRole
	}
	token, err := newInviteToken()
	if err != nil {
		return nil, err
	}

	var (
		inv     *Invite
		org     *Organization
		settled []reminder.Handle
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if org, err = tx.GetOrganization(ctx, params.OrganizationID); err != nil {
			return err
		}
		member, err := tx.IsMember(ctx, org.ID, params.Email)
		if err != nil {
			return err
		}
		if member {
			return ErrAlreadyMember
		}

		now := s.now()
		prev, err := tx.LockPendingInvite(ctx, org.ID, params.Email)
		switch {
		case errors.Is(err, ErrInviteNotFound):
		case err != nil:
			return err
		case now.Before(prev.ExpiresAt):
			return ErrInviteExists
		default:
			settled = append(settled, expiryHandle(prev))
			if err := s.expire(ctx, tx, prev, now); err != nil {
				return err
			}
		}

		inv = &Invite{
			ID:             uuid.New(),
			OrganizationID: org.ID,
			InviterID:      params.InviterID,
			Email:          params.Email,
			Role:           params.Role,
			Token:          token,
			Status:         InvitePending,
			ExpiresAt:      now.Add(s.inviteTTL),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		h, err := s.reminders.ScheduleInviteExpiry(ctx, reminder.InviteExpiry{
			InviteID:       inv.ID,
			OrganizationID: org.ID,
			ExpiresAt:      inv.ExpiresAt,
		})
		if err != nil {
			return err
		}
		inv.ExpiryJobID = h.JobID
		if err := tx.CreateInvite(ctx, inv); err != nil {
			return err
		}
		return tx.RecordActivity(ctx, audit.NewEvent(org.ID, audit.ActionInviteCreated, now,
			audit.WithActor(params.InviterID),
			audit.WithResource(inviteResource, inv.ID.String()),
			audit.WithMetadata("email", inv.Email),
			audit.WithMetadata("role", string(inv.Role))))
	})
	if err != nil {
		return nil, err
	}
	s.reminders.Cancel(ctx, settled...)

	if err := s.notifier.Send(ctx, notify.Message{
		To:       inv.Email,
		Subject:  fmt.Sprintf("You have been invited to join %s", org.Name),
		Template: notify.TemplateInvite,
		Data: map[string]string{
			"Organization": org.Name,
			"Role":         strings.ToLower(string(inv.Role)),
			"AcceptURL":    s.acceptURL(inv),
			"ExpiresAt":    notify.FormatDate(inv.ExpiresAt),
		},
	}); err != nil {
		s.log.ErrorContext(ctx, "failed to send invite email",
			logger.OrganizationID(inv.OrganizationID),
			slog.String("invite_id", inv.ID.String()),
			logger.Error(err))
	}
	return inv, nil
}

type AcceptInviteParams struct {
	Token  string    `validate:"required"`
	UserID uuid.UUID `validate:"required"`
	Email  string    `validate:"required,email"`
}

// AcceptInvite turns the invite into a membership. The new member takes one
// worker seat of the organization's current cycle; a full plan rejects the
// invite with billing.ErrLimitExceeded and leaves it PENDING.
func (s *Service) AcceptInvite(ctx context.Context, params AcceptInviteParams) (*Invite, error) {
	params.Email = normalizeEmail(params.Email)
	if err := validateParams(params); err != nil {
		return nil, err
	}

	var (
		inv    *Invite
		expiry reminder.Handle
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if inv, err = tx.LockInviteByToken(ctx, params.Token); err != nil {
			return err
		}
		now := s.now()
		switch {
		case inv.Status == InviteAccepted:
			return ErrInviteAccepted
		case inv.Status == InviteExpired, !now.Before(inv.ExpiresAt):
			return ErrInviteExpired
		case inv.Email != params.Email:
			return ErrInviteeMismatch
		case inv.Role == RoleOwner:
			return ErrOwnerRole
		}
		member, err := tx.IsMember(ctx, inv.OrganizationID, inv.Email)
		if err != nil {
			return err
		}
		if member {
			return ErrAlreadyMember
		}

		err = s.seats.Reserve(ctx, inv.OrganizationID, billing.ResourceWorkers, func(context.Context) error {
			return tx.AddMember(ctx, Member{
				OrganizationID: inv.OrganizationID,
				UserID:         params.UserID,
				Email:          inv.Email,
				Role:           inv.Role,
				JoinedAt:       now,
			})
		})
		if err != nil {
			return err
		}

		expiry = expiryHandle(inv)
		inv.Status = InviteAccepted
		inv.AcceptedBy = params.UserID
		inv.AcceptedAt = &now
		inv.ExpiryJobID = uuid.Nil
		inv.UpdatedAt = now
		if err := tx.UpdateInvite(ctx, inv); err != nil {
			return err
		}
		return tx.RecordActivity(ctx, audit.NewEvent(inv.OrganizationID, audit.ActionInviteAccepted, now,
			audit.WithActor(params.UserID),
			audit.WithResource(inviteResource, inv.ID.String()),
			audit.WithMetadata("role", string(inv.Role))))
	})
	if err != nil {
		return nil, err
	}
	s.reminders.Cancel(ctx, expiry)
	return inv, nil
}

// ExpireInvite handles the invite expiry job. Only a PENDING invite whose
// deadline passed is expired; anything else was settled earlier.
func (s *Service) ExpireInvite(ctx context.Context, p reminder.InviteExpiry) error {
	taskID, _ := queue.TaskIDFromContext(ctx)
	ctx = logger.WithContext(ctx,
		logger.OrganizationID(p.OrganizationID),
		logger.Kind(reminder.KindInviteExpiry),
		logger.JobID(taskID))

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.LockInvite(ctx, p.InviteID)
		if err != nil {
			return err
		}
		now := s.now()
		if inv.Status != InvitePending || now.Before(inv.ExpiresAt) {
			s.log.DebugContext(ctx, "invite expiry skipped", slog.String("status", string(inv.Status)))
			return nil
		}
		return s.expire(ctx, tx, inv, now)
	})
	if errors.Is(err, ErrInviteNotFound) {
		s.log.InfoContext(ctx, "expiry for unknown invite dropped")
		return nil
	}
	return err
}

// ExpireOverdueInvites expires PENDING invites whose deadline passed, which
// covers invites whose expiry job was lost. It reports how many it expired.
func (s *Service) ExpireOverdueInvites(ctx context.Context) (int, error) {
	var handles []reminder.Handle
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()
		overdue, err := tx.LockOverdueInvites(ctx, now, sweepBatch)
		if err != nil {
			return err
		}
		for i := range overdue {
			handles = append(handles, expiryHandle(&overdue[i]))
			if err := s.expire(ctx, tx, &overdue[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.reminders.Cancel(ctx, handles...)
	if len(handles) > 0 {
		s.log.InfoContext(ctx, "overdue invites expired", slog.Int("count", len(handles)))
	}
	return len(handles), nil
}

func (s *Service) expire(ctx context.Context, tx Tx, inv *Invite, now time.Time) error {
	inv.Status = InviteExpired
	inv.ExpiryJobID = uuid.Nil
	inv.UpdatedAt = now
	if err := tx.UpdateInvite(ctx, inv); err != nil {
		return err
	}
	return tx.RecordActivity(ctx, audit.NewEvent(inv.OrganizationID, audit.ActionInviteExpired, now,
		audit.WithResource(inviteResource, inv.ID.String()),
		audit.WithMetadata("email", inv.Email)))
}

func (s *Service) acceptURL(inv *Invite) string {
	q := url.Values{}
	q.Set("token", inv.Token)
	q.Set("organizationId", inv.OrganizationID.String())
	return s.baseURL + "/invite/accept?" + q.Encode()
}

func expiryHandle(inv *Invite) reminder.Handle {
	return reminder.Handle{Kind: reminder.KindInviteExpiry, JobID: inv.ExpiryJobID}
}

func newInviteToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("workspace: generate invite token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
