package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys lifted into every log record by ContextHandler.
const (
	// ContextKeySessionID identifies the relay or client session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyRequestID identifies the HTTP request that opened a session.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyRemoteAddr is the client address of a relay session.
	ContextKeyRemoteAddr contextKey = "remote_addr"

	// ContextKeyComponent names the subsystem emitting the record.
	ContextKeyComponent contextKey = "component"
)

var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyRequestID,
	ContextKeyRemoteAddr,
	ContextKeyComponent,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithRemoteAddr returns a new context with the remote address set.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ContextKeyRemoteAddr, addr)
}

// WithComponent returns a new context with the component name set.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ContextKeyComponent, component)
}
