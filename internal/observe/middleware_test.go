package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// newOpsStack builds the middleware with inspectable metrics and traces.
func newOpsStack(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := installTestTracer(t)
	return Middleware(m), reader, exp
}

// get serves one request through the wrapped handler and returns the recorder.
func get(mw func(http.Handler) http.Handler, path string, inner http.HandlerFunc, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareCorrelationHeader(t *testing.T) {
	mw, _, _ := newOpsStack(t)

	var seen string
	rec := get(mw, "/metrics", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, nil)

	if seen == "" {
		t.Fatal("handler saw no correlation ID in its context")
	}
	if len(seen) != 32 {
		t.Errorf("correlation ID length = %d, want 32 hex chars", len(seen))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want the handler's %q", got, seen)
	}
}

func TestMiddlewareJoinsUpstreamTrace(t *testing.T) {
	mw, _, _ := newOpsStack(t)

	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := get(mw, "/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, map[string]string{
		"traceparent": "00-" + upstream + "-00f067aa0ba902b7-01",
	})

	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want upstream trace %q", got, upstream)
	}
}

func TestMiddlewareServerSpan(t *testing.T) {
	mw, _, exp := newOpsStack(t)

	get(mw, "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "HTTP GET /healthz" {
		t.Errorf("span name = %q, want %q", s.Name, "HTTP GET /healthz")
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", s.SpanKind)
	}
	var status int64 = -1
	for _, kv := range s.Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("http.response.status_code = %d, want %d", status, http.StatusServiceUnavailable)
	}
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	mw, reader, _ := newOpsStack(t)

	get(mw, "/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	rm := collect(t, reader)
	dps := histogramPoints(t, rm, "podweave.http.request.duration")
	if len(dps) != 1 {
		t.Fatalf("histogram has %d data points, want 1", len(dps))
	}
	if dps[0].Count != 1 {
		t.Errorf("sample count = %d, want 1", dps[0].Count)
	}
	if !attrsMatch(dps[0].Attributes, map[string]string{"method": "GET", "path": "/metrics"}) {
		t.Errorf("data point attributes = %v, want method=GET path=/metrics", dps[0].Attributes)
	}
}

func TestMiddlewareDefaultStatusOK(t *testing.T) {
	mw, _, exp := newOpsStack(t)

	// Inner handler writes a body without an explicit WriteHeader call.
	get(mw, "/metrics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP\n"))
	}, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" && kv.Value.AsInt64() != http.StatusOK {
			t.Errorf("http.response.status_code = %d, want %d", kv.Value.AsInt64(), http.StatusOK)
		}
	}
}
