package events

import (
	"context"
	"os"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	editorKey
	resourceKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithEditor adds the acting editor's identity to context.
func WithEditor(ctx context.Context, email string) context.Context {
	logger := FromContext(ctx).WithField("editor", email)
	ctx = context.WithValue(ctx, editorKey, email)
	return WithLogger(ctx, logger)
}

// WithResource adds the resource being operated on to context.
func WithResource(ctx context.Context, key models.ResourceKey) context.Context {
	logger := FromContext(ctx).WithField("resource", key.String())
	ctx = context.WithValue(ctx, resourceKey, key)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetEditor retrieves the editor identity from context.
func GetEditor(ctx context.Context) string {
	if email, ok := ctx.Value(editorKey).(string); ok {
		return email
	}
	return ""
}

// GetResource retrieves the resource key from context.
func GetResource(ctx context.Context) (models.ResourceKey, bool) {
	key, ok := ctx.Value(resourceKey).(models.ResourceKey)
	return key, ok
}

var defaultLogger = newLogger(InfoLevel, "text", os.Stderr, "")

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the logger used when none is attached to a context.
func Default() *Logger {
	return defaultLogger
}
