package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the classmesh tracer.
const tracerName = "github.com/classmesh/classmesh"

// Span attribute keys for room and identity spans.
const (
	AttrClassID = attribute.Key("classmesh.class_id")
	AttrRoomID  = attribute.Key("classmesh.room_id")
	AttrUserID  = attribute.Key("classmesh.user_id")
	AttrConnID  = attribute.Key("classmesh.conn_id")
	AttrStatus  = attribute.Key("classmesh.status")
	AttrOp      = attribute.Key("classmesh.identity.op")
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must end it, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartJoinSpan starts the span covering one admission attempt of a
// connection into a class.
func StartJoinSpan(ctx context.Context, classID, connID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "room.Join", trace.WithAttributes(
		AttrClassID.String(classID),
		AttrConnID.String(connID),
	))
}

// StartIdentitySpan starts the span around one identity backend lookup.
func StartIdentitySpan(ctx context.Context, op, classID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "identity."+op, trace.WithAttributes(
		AttrOp.String(op),
		AttrClassID.String(classID),
	))
}

// SetMember tags span with the room and user an admitted join landed on.
func SetMember(span trace.Span, roomID, userID string) {
	span.SetAttributes(AttrRoomID.String(roomID), AttrUserID.String(userID))
}

// EndSpan records status on span and ends it. A non-nil err also marks the
// span failed; pass nil for outcomes that are answers rather than faults.
func EndSpan(span trace.Span, status string, err error) {
	span.SetAttributes(AttrStatus.String(status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// [Middleware] returns it to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
