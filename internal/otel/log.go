package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextFrom extracts the trace and span IDs from the span in ctx,
// or empty strings when no span is recording. Pair with zerolog so a
// governance decision's log line can be joined to its trace:
//
//	traceID, spanID := otel.TraceContextFrom(ctx)
//	log.Info().Str("session_id", id).Str("trace_id", traceID).Str("span_id", spanID).Msg("...")
//
// Skip the Str calls when the values are empty so logs stay clean with
// tracing disabled.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return "", ""
	}
	return span.SpanContext().TraceID().String(), span.SpanContext().SpanID().String()
}

// LogTraceFields returns a zerolog Func hook that adds trace_id and
// span_id to the event when ctx carries a valid span, and nothing when it
// does not:
//
//	log.Info().Str("session_id", id).Func(otel.LogTraceFields(ctx)).Msg("...")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		traceID, spanID := TraceContextFrom(ctx)
		if traceID != "" {
			e.Str("trace_id", traceID)
		}
		if spanID != "" {
			e.Str("span_id", spanID)
		}
	}
}
