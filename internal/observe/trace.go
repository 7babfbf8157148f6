package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of the session layer and the HTTP
// surface.
const tracerName = "github.com/umindsales/magus"

// Span attribute keys shared by session, provider and HTTP spans.
const (
	AttrSessionID = attribute.Key("magus.session_id")
	AttrProvider  = attribute.Key("magus.provider")
	AttrAttempt   = attribute.Key("magus.attempt")
)

// Tracer returns the MAGUS tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under ctx. When ctx carries a conversation id (see
// [WithSessionID]) the span is tagged with [AttrSessionID]. End it with
// span.End or [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(AttrSessionID.String(id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span as failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type sessionIDKey struct{}

// WithSessionID tags ctx with a conversation id. Spans started from ctx and
// loggers built by [Logger] carry it.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionID returns the conversation id set by [WithSessionID], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// CorrelationID returns the trace id of the span in ctx, or "" when there is
// none. HTTP responses echo it in [CorrelationHeader].
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with session_id, trace_id and span_id
// attached for whichever of them ctx carries.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
