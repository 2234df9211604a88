// Package observe provides application-wide observability primitives for
// Podweave: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Podweave metrics.
const meterName = "github.com/podweave/podweave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks LLM gateway operation latency. Use with attribute:
	//   attribute.String("op", ...)
	LLMDuration metric.Float64Histogram

	// DownloadDuration tracks audio artifact download latency.
	DownloadDuration metric.Float64Histogram

	// StageDuration tracks per-checkpoint-stage processing time. Use with
	// attributes:
	//   attribute.String("pipeline", ...), attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// GraphWriteDuration tracks property-graph write latency.
	GraphWriteDuration metric.Float64Histogram

	// ResolveReduction tracks the entity-resolution reduction ratio
	// (1 - canonical/raw) per episode.
	ResolveReduction metric.Float64Histogram

	// --- Counters ---

	// LLMRequests counts gateway LLM calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("key", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// LLMTokens counts committed token usage. Use with attribute:
	//   attribute.String("key", ...)
	LLMTokens metric.Int64Counter

	// QuotaRejections counts reservation rejections. Use with attributes:
	//   attribute.String("key", ...), attribute.String("reason", ...)
	QuotaRejections metric.Int64Counter

	// KeyRotations counts mid-operation key rotations.
	KeyRotations metric.Int64Counter

	// EpisodeOutcomes counts finished episodes. Use with attribute:
	//   attribute.String("outcome", ...): completed | failed | skipped
	EpisodeOutcomes metric.Int64Counter

	// GraphNodes and GraphEdges count graph elements written.
	GraphNodes metric.Int64Counter
	GraphEdges metric.Int64Counter

	// --- Error counters ---

	// LLMErrors counts gateway LLM failures. Use with attributes:
	//   attribute.String("op", ...), attribute.String("class", ...)
	LLMErrors metric.Int64Counter

	// --- Gauges ---

	// OpenBreakers tracks how many per-key circuit breakers are currently
	// open.
	OpenBreakers metric.Int64UpDownCounter

	// ActiveEpisodes tracks episodes currently being processed (0 or 1 under
	// the sequential pipeline; kept a gauge so concurrent configurations
	// need no metric change).
	ActiveEpisodes metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch-pipeline latencies: LLM transcription calls run for minutes, not
// milliseconds.
var latencyBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("podweave.llm.duration",
		metric.WithDescription("Latency of LLM gateway operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DownloadDuration, err = m.Float64Histogram("podweave.download.duration",
		metric.WithDescription("Latency of audio artifact downloads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("podweave.stage.duration",
		metric.WithDescription("Processing time per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GraphWriteDuration, err = m.Float64Histogram("podweave.graph.write.duration",
		metric.WithDescription("Latency of property-graph writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveReduction, err = m.Float64Histogram("podweave.resolve.reduction",
		metric.WithDescription("Entity-resolution reduction ratio per episode."),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.LLMRequests, err = m.Int64Counter("podweave.llm.requests",
		metric.WithDescription("Total LLM gateway calls by operation, key, and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("podweave.llm.tokens",
		metric.WithDescription("Committed token usage by key."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("podweave.quota.rejections",
		metric.WithDescription("Quota reservation rejections by key and reason."),
	); err != nil {
		return nil, err
	}
	if met.KeyRotations, err = m.Int64Counter("podweave.key.rotations",
		metric.WithDescription("Mid-operation API key rotations."),
	); err != nil {
		return nil, err
	}
	if met.EpisodeOutcomes, err = m.Int64Counter("podweave.episodes",
		metric.WithDescription("Finished episodes by outcome."),
	); err != nil {
		return nil, err
	}
	if met.GraphNodes, err = m.Int64Counter("podweave.graph.nodes",
		metric.WithDescription("Graph nodes written."),
	); err != nil {
		return nil, err
	}
	if met.GraphEdges, err = m.Int64Counter("podweave.graph.edges",
		metric.WithDescription("Graph edges written."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.LLMErrors, err = m.Int64Counter("podweave.llm.errors",
		metric.WithDescription("LLM gateway failures by operation and error class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.OpenBreakers, err = m.Int64UpDownCounter("podweave.breakers.open",
		metric.WithDescription("Per-key circuit breakers currently open."),
	); err != nil {
		return nil, err
	}
	if met.ActiveEpisodes, err = m.Int64UpDownCounter("podweave.episodes.active",
		metric.WithDescription("Episodes currently being processed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("podweave.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLMRequest records one gateway LLM call with the standard attribute
// set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, op, key, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("key", key),
			attribute.String("status", status),
		),
	)
}

// RecordLLMError records one gateway LLM failure by operation and error
// class.
func (m *Metrics) RecordLLMError(ctx context.Context, op, class string) {
	m.LLMErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("class", class),
		),
	)
}

// RecordLLMDuration records the wall-clock latency of one gateway operation.
func (m *Metrics) RecordLLMDuration(ctx context.Context, op string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordTokens records committed token usage against a key.
func (m *Metrics) RecordTokens(ctx context.Context, key string, tokens int64) {
	m.LLMTokens.Add(ctx, tokens,
		metric.WithAttributes(attribute.String("key", key)),
	)
}

// RecordQuotaRejection records one reservation rejection.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, key, reason string) {
	m.QuotaRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("key", key),
			attribute.String("reason", reason),
		),
	)
}

// RecordEpisodeOutcome records one finished episode by outcome.
func (m *Metrics) RecordEpisodeOutcome(ctx context.Context, outcome string) {
	m.EpisodeOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordStageDuration records per-stage processing time.
func (m *Metrics) RecordStageDuration(ctx context.Context, pipeline, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("pipeline", pipeline),
			attribute.String("stage", stage),
		),
	)
}

// RecordGraphWrite records one property-graph write: element counts plus
// latency.
func (m *Metrics) RecordGraphWrite(ctx context.Context, nodes, edges int, seconds float64) {
	m.GraphNodes.Add(ctx, int64(nodes))
	m.GraphEdges.Add(ctx, int64(edges))
	m.GraphWriteDuration.Record(ctx, seconds)
}

// RecordResolveReduction records the reduction ratio of one entity-resolution
// pass.
func (m *Metrics) RecordResolveReduction(ctx context.Context, ratio float64) {
	m.ResolveReduction.Record(ctx, ratio)
}
