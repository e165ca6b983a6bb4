package logger

import (
	"context"
	"log/slog"
)

// ContextHandler is a slog.Handler that copies known context values onto each record
// before delegating to an inner handler.
type ContextHandler struct {
	inner        slog.Handler
	commonFields []slog.Attr
}

// NewContextHandler creates a new ContextHandler wrapping the given handler.
// The commonFields are added to every log record.
func NewContextHandler(inner slog.Handler, commonFields ...slog.Attr) *ContextHandler {
	return &ContextHandler{
		inner:        inner,
		commonFields: commonFields,
	}
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds common and context fields, then the record's own attributes.
//
//nolint:gocritic // slog.Record is passed by value per slog.Handler interface contract
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	newRecord := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)

	for _, attr := range h.commonFields {
		newRecord.AddAttrs(attr)
	}

	if ctx != nil {
		for _, key := range allContextKeys {
			if s, ok := ctx.Value(key).(string); ok && s != "" {
				newRecord.AddAttrs(slog.String(string(key), s))
			}
		}
	}

	r.Attrs(func(a slog.Attr) bool {
		newRecord.AddAttrs(a)
		return true
	})

	return h.inner.Handle(ctx, newRecord)
}

// WithAttrs returns a new handler with the given attributes added.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{
		inner:        h.inner.WithAttrs(attrs),
		commonFields: h.commonFields,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{
		inner:        h.inner.WithGroup(name),
		commonFields: h.commonFields,
	}
}

// Unwrap returns the inner handler.
func (h *ContextHandler) Unwrap() slog.Handler {
	return h.inner
}

var _ slog.Handler = (*ContextHandler)(nil)

// ComponentLogger adapts DefaultLogger to the key/value Logger interfaces used by
// transport packages. Records carry the component name and the fields stored
// on Ctx (session id, remote address, request id).
type ComponentLogger struct {
	Component string
	// Ctx supplies context fields. Nil means context.Background().
	Ctx context.Context
}

// Debug implements the key/value logger contract.
func (l ComponentLogger) Debug(msg string, keysAndValues ...any) {
	DebugContext(l.context(), msg, keysAndValues...)
}

// Info implements the key/value logger contract.
func (l ComponentLogger) Info(msg string, keysAndValues ...any) {
	InfoContext(l.context(), msg, keysAndValues...)
}

// Warn implements the key/value logger contract.
func (l ComponentLogger) Warn(msg string, keysAndValues ...any) {
	WarnContext(l.context(), msg, keysAndValues...)
}

// Error implements the key/value logger contract.
func (l ComponentLogger) Error(msg string, keysAndValues ...any) {
	ErrorContext(l.context(), msg, keysAndValues...)
}

func (l ComponentLogger) context() context.Context {
	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return WithComponent(ctx, l.Component)
}
