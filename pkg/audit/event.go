package audit

import (
	"time"

	"github.com/google/uuid"
)

type EventOption func(*Event)

// NewEvent builds an activity entry stamped with at.
func NewEvent(orgID uuid.UUID, action Action, at time.Time, opts ...EventOption) Event {
	e := Event{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Action:         action,
		CreatedAt:      at,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func WithActor(userID uuid.UUID) EventOption {
	return func(e *Event) { e.ActorID = userID }
}

func WithResource(resource, id string) EventOption {
	return func(e *Event) {
		e.Resource = resource
		e.ResourceID = id
	}
}

func WithMetadata(key string, value any) EventOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}
