package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names the activity being recorded on an organization's timeline.
type Action string

const (
	ActionSubscriptionCreated   Action = "SUBSCRIPTION_CREATED"
	ActionSubscriptionActivated Action = "SUBSCRIPTION_ACTIVATED"
	ActionSubscriptionPastDue   Action = "SUBSCRIPTION_PAST_DUE"
	ActionSubscriptionCancelled Action = "SUBSCRIPTION_CANCELLED"
	ActionSubscriptionUpdated   Action = "SUBSCRIPTION_UPDATED"
	ActionSubscriptionRenewed   Action = "SUBSCRIPTION_RENEWED"
	ActionPaymentFailed         Action = "PAYMENT_FAILED"
	ActionCancelRequested       Action = "SUBSCRIPTION_CANCEL_REQUESTED"
	ActionCancelWithdrawn       Action = "SUBSCRIPTION_CANCEL_WITHDRAWN"
	ActionSubscriptionRestarted Action = "SUBSCRIPTION_RESTARTED"
	ActionPlanChangeRequested   Action = "SUBSCRIPTION_PLAN_CHANGE_REQUESTED"
	ActionInviteCreated         Action = "INVITE_CREATED"
	ActionInviteAccepted        Action = "INVITE_ACCEPTED"
	ActionInviteExpired         Action = "INVITE_EXPIRED"
)

type Event struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	ActorID        uuid.UUID      `json:"actor_id,omitzero"`
	Action         Action         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Writer persists activity entries. Billing and workspace stores implement
// it on their transaction handle so the entry commits with the change it
// describes.
type Writer interface {
	RecordActivity(ctx context.Context, event Event) error
}

func (e Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrEventValidation)
	}
	if e.OrganizationID == uuid.Nil {
		return fmt.Errorf("%w: organization is required", ErrEventValidation)
	}
	return nil
}
