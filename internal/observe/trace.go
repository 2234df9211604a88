package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes every podweave span to one instrumentation library.
const tracerName = "github.com/podweave/podweave"

// Tracer returns the podweave tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span on the podweave tracer. The caller owns span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// PipelineSpan opens the per-episode root span of a pipeline run. The span is
// named "<pipeline>.episode" and tagged with the episode GUID, so the
// transcription and seeding traces of one episode line up when both runs
// export to the same backend.
func PipelineSpan(ctx context.Context, pipeline, guid string) (context.Context, trace.Span) {
	return StartSpan(ctx, pipeline+".episode",
		trace.WithAttributes(
			attribute.String("pipeline", pipeline),
			attribute.String("episode.guid", guid),
		))
}

// CorrelationID returns the active trace ID, or "" outside a span. Log lines
// and ops responses carry it so one episode can be followed across
// subsystems.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id when
// ctx carries an active span, and the plain default logger otherwise.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
