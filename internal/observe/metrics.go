// Package observe provides application-wide observability primitives for
// sharedspace: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sharedspace metrics.
const meterName = "github.com/MrWong99/sharedspace"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EmbeddingDuration tracks one embeddings provider call. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...), attribute.String("input_type", ...)
	EmbeddingDuration metric.Float64Histogram

	// ChatDuration tracks a full chat completion stream, first byte to last chunk.
	ChatDuration metric.Float64Histogram

	// PipelineDuration tracks one comparability run. Use with attribute:
	//   attribute.String("status", ...)
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// EmbeddingTokens counts tokens billed by embeddings providers. Use with attribute:
	//   attribute.String("model", ...)
	EmbeddingTokens metric.Int64Counter

	// CacheLookups counts embedding cache lookups per text. Use with attributes:
	//   attribute.String("model", ...), attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveChatStreams tracks the number of open chat SSE streams.
	ActiveChatStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// embedding and completion calls.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbeddingDuration, err = m.Float64Histogram("sharedspace.embedding.duration",
		metric.WithDescription("Latency of embeddings provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("sharedspace.chat.duration",
		metric.WithDescription("Duration of streamed chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("sharedspace.pipeline.duration",
		metric.WithDescription("Duration of comparability analysis runs by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("sharedspace.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingTokens, err = m.Int64Counter("sharedspace.embedding.tokens",
		metric.WithDescription("Tokens billed by embeddings providers by model."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("sharedspace.cache.lookups",
		metric.WithDescription("Embedding cache lookups by model and result."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("sharedspace.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("sharedspace.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by breaker and state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("sharedspace.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveChatStreams, err = m.Int64UpDownCounter("sharedspace.chat.active_streams",
		metric.WithDescription("Number of open chat SSE streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sharedspace.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records hits and misses of one cached embeddings call. Its
// signature matches the cache package's lookup observer.
func (m *Metrics) RecordCacheLookup(ctx context.Context, model string, hits, misses int) {
	if hits > 0 {
		m.CacheLookups.Add(ctx, int64(hits), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("result", "hit"),
		))
	}
	if misses > 0 {
		m.CacheLookups.Add(ctx, int64(misses), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("result", "miss"),
		))
	}
}

// RecordRateLimited records one rejected request. The client key is not
// recorded as an attribute. Its signature matches ratelimit.OnReject.
func (m *Metrics) RecordRateLimited(ctx context.Context, _ string) {
	m.RateLimited.Add(ctx, 1)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordPipelineRun records the duration and outcome of one comparability run.
// status is "ok", "invalid", "upstream", "timeout" or "error".
func (m *Metrics) RecordPipelineRun(ctx context.Context, d time.Duration, status string) {
	m.PipelineDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}
