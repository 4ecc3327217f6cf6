package pg

import "context"

// logger receives goose output; *slog.Logger satisfies it.
type logger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}
