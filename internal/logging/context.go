package logging

import "context"

type contextKey int

const (
	identityKey contextKey = iota
	loggerKey
)

// WithIdentityCtx returns a new context carrying the endpoint identity.
func WithIdentityCtx(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromCtx extracts the endpoint identity from the context.
func IdentityFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return ""
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// FromCtx returns the context's logger, falling back to the global logger
// stamped with the context's identity.
func FromCtx(ctx context.Context) *Logger {
	if l := LoggerFromCtx(ctx); l != nil {
		return l
	}
	l := Global()
	if id := IdentityFromCtx(ctx); id != "" {
		l = l.WithIdentity(id)
	}
	return l
}
