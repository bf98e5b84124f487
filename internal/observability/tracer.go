package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for invocation spans.
var (
	AttrFunctionName = attribute.Key("hhrf.function.name")
	AttrFunctionID   = attribute.Key("hhrf.function.id")
	AttrRuntime      = attribute.Key("hhrf.runtime")
	AttrColdStart    = attribute.Key("hhrf.cold_start")
	AttrRequestID    = attribute.Key("hhrf.request_id")
	AttrDurationMs   = attribute.Key("hhrf.duration_ms")
	AttrTransport    = attribute.Key("hhrf.transport")
	AttrCacheHit     = attribute.Key("hhrf.cache.hit")
)

// StartCacheSpan starts an internal span around one library cache
// Acquire call, tagged with the function key being resolved. Callers
// set AttrCacheHit once they know whether the call was served warm or
// required a fresh dlopen.
func StartCacheSpan(ctx context.Context, functionKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, "hhrf.cache.acquire", AttrFunctionID.String(functionKey))
}
