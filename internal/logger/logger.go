// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// opFieldsKey is the context key for operation-scoped log fields.
type opFieldsKey struct{}

// New creates a new structured JSON logger.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// WithFields returns a new context carrying key/value pairs that FromContext
// will attach to every log record written through it. Fields accumulate:
// calling WithFields on a context that already carries some merges both sets,
// with the newer call's values winning on key collision.
func WithFields(ctx context.Context, kv ...any) context.Context {
	existing, _ := ctx.Value(opFieldsKey{}).([]any)
	merged := make([]any, 0, len(existing)+len(kv))
	merged = append(merged, existing...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, opFieldsKey{}, merged)
}

// FromContext returns a logger with the fields stashed by WithFields attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if fields, ok := ctx.Value(opFieldsKey{}).([]any); ok && len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}
