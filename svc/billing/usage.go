package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/logger"
)

// Usage is the state of the current cycle's counters.
type Usage struct {
	SubscriptionID uuid.UUID
	CycleID        string
	CycleStart     time.Time
	CycleEnd       time.Time
	IsTrial        bool
	Used           map[Resource]int
	Limits         map[Resource]int
}

// Remaining returns how many more resources of kind fit under the ceiling.
func (u *Usage) Remaining(kind Resource) int {
	return max(u.Limits[kind]-u.Used[kind], 0)
}

// CheckAndReserve reports whether one more resource of kind fits in the
// cycle. It only reads: the caller creates the resource and then calls
// Increment, which re-checks the ceiling atomically.
func (s *Service) CheckAndReserve(ctx context.Context, subscriptionID uuid.UUID, cycleID string, kind Resource) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	features, err := s.store.GetFeatures(ctx, subscriptionID)
	if err != nil {
		return err
	}
	rec, err := s.store.GetPackageRecord(ctx, subscriptionID, cycleID)
	if err != nil {
		return err
	}
	if rec.Used(kind) >= features.Ceiling(kind) {
		return fmt.Errorf("%w: %s %d/%d", ErrLimitExceeded, kind, rec.Used(kind), features.Ceiling(kind))
	}
	return nil
}

// Increment adds one to the counter of kind. It fails with ErrLimitExceeded
// when a concurrent caller reached the ceiling first.
func (s *Service) Increment(ctx context.Context, subscriptionID uuid.UUID, cycleID string, kind Resource) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		features, err := tx.GetFeatures(ctx, subscriptionID)
		if err != nil {
			return err
		}
		_, err = tx.IncrementUsage(ctx, subscriptionID, cycleID, kind, features.Ceiling(kind))
		return err
	})
}

// Reserve takes one unit of kind from the organization's current cycle and
// runs create in the same transaction. When create fails the reservation is
// rolled back. create may write to another store; its own commit is not
// undone if the billing commit fails afterwards.
func (s *Service) Reserve(ctx context.Context, orgID uuid.UUID, kind Resource, create func(ctx context.Context) error) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.GetSubscriptionByOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		if !sub.Status.Entitled() {
			return fmt.Errorf("%w: %s", ErrSubscriptionInactive, sub.Status)
		}
		if sub.CycleID == "" {
			return ErrNoCurrentCycle
		}
		features, err := tx.GetFeatures(ctx, sub.ID)
		if err != nil {
			return err
		}
		n, err := tx.IncrementUsage(ctx, sub.ID, sub.CycleID, kind, features.Ceiling(kind))
		if err != nil {
			return err
		}
		if err := create(ctx); err != nil {
			return err
		}
		s.log.DebugContext(ctx, "usage reserved",
			logger.SubscriptionID(sub.ID),
			logger.Kind(kind),
			slog.Int("used", n),
			slog.Int("limit", features.Ceiling(kind)))
		return nil
	})
}

// AssertUsageWithinLimit fails with ErrLimitExceeded when the subscription
// cannot take another resource of kind in its current cycle.
func (s *Service) AssertUsageWithinLimit(ctx context.Context, subscriptionID uuid.UUID, kind Resource) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.CycleID == "" {
		return ErrNoCurrentCycle
	}
	return s.CheckAndReserve(ctx, subscriptionID, sub.CycleID, kind)
}

func (s *Service) Usage(ctx context.Context, subscriptionID uuid.UUID) (*Usage, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.CycleID == "" {
		return nil, ErrNoCurrentCycle
	}
	features, err := s.store.GetFeatures(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetPackageRecord(ctx, subscriptionID, sub.CycleID)
	if err != nil {
		return nil, err
	}

	u := &Usage{
		SubscriptionID: subscriptionID,
		CycleID:        rec.CycleID,
		CycleStart:     rec.CycleStart,
		CycleEnd:       rec.CycleEnd,
		IsTrial:        rec.IsTrial,
		Used:           make(map[Resource]int, 3),
		Limits:         make(map[Resource]int, 3),
	}
	for _, kind := range []Resource{ResourceWorkers, ResourceProjects, ResourceTasks} {
		u.Used[kind] = rec.Used(kind)
		u.Limits[kind] = features.Ceiling(kind)
	}
	return u, nil
}
