// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// requestIDKey is the context key for request/correlation IDs.
type requestIDKey struct{}

// instanceIDKey is the context key for the workflow instance being served.
type instanceIDKey struct{}

// New creates a structured JSON logger at the given level. Unknown level
// strings fall back to info.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// WithInstanceID returns a new context tagged with a workflow instance id.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, instanceID)
}

// InstanceIDFromContext extracts the instance ID from the context.
func InstanceIDFromContext(ctx context.Context) string {
	if v := ctx.Value(instanceIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		l = l.With("request_id", reqID)
	}
	if instID := InstanceIDFromContext(ctx); instID != "" {
		l = l.With("instance_id", instID)
	}
	return l
}
