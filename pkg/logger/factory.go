package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config is the env driven logger setup.
type Config struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Format      Format `env:"LOG_FORMAT" envDefault:"json"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Service     string `env:"APP_NAME" envDefault:"taskhub"`
}

// Option configures New.
type Option func(*options)

type options struct {
	level  slog.Level
	format Format
	output io.Writer
	attrs  []slog.Attr
}

// WithLevel sets the minimal level.
func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = l }
}

// WithFormat sets the output format. Unknown formats panic: a misconfigured
// logger must stop the process at startup.
func WithFormat(f Format) Option {
	return func(o *options) {
		switch f {
		case FormatJSON, FormatText:
			o.format = f
		default:
			panic(fmt.Errorf("invalid log format %q: must be %q or %q", f, FormatJSON, FormatText))
		}
	}
}

// WithOutput sets the destination writer.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// WithAttr adds static attributes to every record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithEnvironment applies the defaults of env: text and debug for development,
// JSON and info elsewhere.
func WithEnvironment(env, service string) Option {
	return func(o *options) {
		switch strings.ToLower(env) {
		case "production", "prod", "staging", "stage":
			o.level = slog.LevelInfo
			o.format = FormatJSON
		default:
			o.level = slog.LevelDebug
			o.format = FormatText
		}
		o.attrs = append(o.attrs, slog.String("service", service), slog.String("env", env))
	}
}

// New builds a logger that also picks attributes stored in the context with WithContext.
func New(opts ...Option) *slog.Logger {
	o := &options{level: slog.LevelInfo, format: FormatJSON, output: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}
	var h slog.Handler
	if o.format == FormatText {
		h = slog.NewTextHandler(o.output, handlerOpts)
	} else {
		h = slog.NewJSONHandler(o.output, handlerOpts)
	}
	if len(o.attrs) > 0 {
		h = h.WithAttrs(o.attrs)
	}
	return slog.New(&contextHandler{next: h})
}

// NewFromConfig builds a logger from Config. Explicit LOG_LEVEL/LOG_FORMAT win over
// the environment defaults.
func NewFromConfig(cfg Config, w io.Writer) *slog.Logger {
	opts := []Option{WithEnvironment(cfg.Environment, cfg.Service), WithOutput(w)}
	if cfg.Format != "" {
		opts = append(opts, WithFormat(cfg.Format))
	}
	if cfg.Level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err == nil {
			opts = append(opts, WithLevel(lvl))
		}
	}
	return New(opts...)
}

// Discard returns a logger that drops everything. Used as a safe default in tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
