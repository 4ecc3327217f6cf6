package billing

import (
	"log/slog"
	"strings"
	"time"
)

// Option configures a Service or a Reconciler.
type Option func(*options)

type options struct {
	catalog *Catalog
	now     func() time.Time
	log     *slog.Logger
	baseURL string
	metrics *Metrics
}

func newOptions(opts []Option) options {
	o := options{
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = DefaultCatalog()
	}
	return o
}

// WithCatalog replaces the embedded plan catalog.
func WithCatalog(c *Catalog) Option {
	return func(o *options) {
		if c != nil {
			o.catalog = c
		}
	}
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

// WithBaseURL sets the application origin checkout redirects point back to.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimRight(u, "/")
	}
}

// WithMetrics enables webhook metrics on a Reconciler.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
