package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestTracer swaps the global tracer provider for one backed by an
// in-memory exporter and restores the original at cleanup.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exp
}

// captureLog points slog.Default at a buffer for the duration of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpanRecordsName(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartSpan(context.Background(), "checkpoint.resume")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "checkpoint.resume" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "checkpoint.resume")
	}
}

func TestPipelineSpan(t *testing.T) {
	exp := installTestTracer(t)

	_, span := PipelineSpan(context.Background(), "transcribe", "ep-042")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "transcribe.episode" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "transcribe.episode")
	}

	want := map[attribute.Key]string{
		"pipeline":     "transcribe",
		"episode.guid": "ep-042",
	}
	for _, kv := range spans[0].Attributes {
		if v, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("attribute %s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, kv.Key)
		}
	}
	for k := range want {
		t.Errorf("span missing attribute %s", k)
	}
}

func TestCorrelationIDOutsideSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationIDMatchesTraceID(t *testing.T) {
	installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "probe")
	defer span.End()

	want := span.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want {
		t.Errorf("CorrelationID = %q, want trace ID %q", got, want)
	}
}

func TestLoggerCarriesSpanIdentity(t *testing.T) {
	installTestTracer(t)
	buf := captureLog(t)

	ctx, span := StartSpan(context.Background(), "seed.episode")
	defer span.End()

	Logger(ctx).Info("unit regrouped")

	line := buf.String()
	wantTrace := "trace_id=" + span.SpanContext().TraceID().String()
	wantSpan := "span_id=" + span.SpanContext().SpanID().String()
	if !strings.Contains(line, wantTrace) {
		t.Errorf("log line %q missing %q", line, wantTrace)
	}
	if !strings.Contains(line, wantSpan) {
		t.Errorf("log line %q missing %q", line, wantSpan)
	}
}

func TestLoggerPlainWithoutSpan(t *testing.T) {
	buf := captureLog(t)

	Logger(context.Background()).Info("no active span")

	if line := buf.String(); strings.Contains(line, "trace_id") {
		t.Errorf("log line %q should not carry trace_id", line)
	}
}

func TestTracerNonNil(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
