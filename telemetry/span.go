package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and attribute names for upstream connection attempts.
const (
	SpanUpstreamConnect = "relay.upstream.connect"

	AttrSessionID = "liverelay.session.id"
	AttrAttempt   = "liverelay.upstream.attempt"
	AttrOutcome   = "liverelay.upstream.outcome"
	AttrCloseCode = "liverelay.upstream.close_code"
)

// StartUpstreamAttempt opens a span for one upstream connection attempt.
func StartUpstreamAttempt(ctx context.Context, tracer trace.Tracer, sessionID string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanUpstreamConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// EndUpstreamAttempt records the attempt outcome on span and ends it.
// A non-nil err marks the span as failed.
func EndUpstreamAttempt(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String(AttrOutcome, outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
