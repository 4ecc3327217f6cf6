package workspace

import (
	"log/slog"
	"strings"
	"time"
)

// DefaultInviteTTL is how long an invite stays acceptable.
const DefaultInviteTTL = 7 * 24 * time.Hour

type Option func(*options)

type options struct {
	now       func() time.Time
	log       *slog.Logger
	baseURL   string
	inviteTTL time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		now:       time.Now,
		log:       slog.Default(),
		inviteTTL: DefaultInviteTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithBaseURL sets the origin invite links point to.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimRight(u, "/")
	}
}

func WithInviteTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.inviteTTL = d
		}
	}
}
