package auth

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys used with context.WithValue.
type contextKey string

const callerKey contextKey = "caller"

// Caller is the authenticated identity behind a request.
type Caller struct {
	Subject uuid.UUID
	Admin   bool
}

// System is the identity used by background jobs.
func System() Caller {
	return Caller{Admin: true}
}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFrom extracts the caller from ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}
