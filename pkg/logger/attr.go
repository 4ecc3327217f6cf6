package logger

import (
	"log/slog"
	"time"
)

// Error records err under "error". A nil error yields an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component records the component name.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func OrganizationID(id any) slog.Attr {
	return slog.Any("organization_id", id)
}

func SubscriptionID(id any) slog.Attr {
	return slog.Any("subscription_id", id)
}

// ExternalID records a payment provider reference (customer, subscription, invoice).
func ExternalID(key, id string) slog.Attr {
	return slog.String(key, id)
}

func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func EventType(t string) slog.Attr {
	return slog.String("event_type", t)
}

func JobID(id any) slog.Attr {
	return slog.Any("job_id", id)
}

// Kind records a reminder or resource kind.
func Kind(k any) slog.Attr {
	return slog.Any("kind", k)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
