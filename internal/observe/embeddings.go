package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
)

// instrumentedEmbeddings wraps an [embeddings.Provider] with a span, latency,
// request, error and token metrics per call.
type instrumentedEmbeddings struct {
	inner   embeddings.Provider
	metrics *Metrics
}

// InstrumentEmbeddings returns p wrapped with tracing and metrics. Every Embed
// call opens an "embeddings.Embed" span and records
// [Metrics.EmbeddingDuration], [Metrics.ProviderRequests], and on success
// [Metrics.EmbeddingTokens] or on failure [Metrics.ProviderErrors].
func InstrumentEmbeddings(p embeddings.Provider, m *Metrics) embeddings.Provider {
	return &instrumentedEmbeddings{inner: p, metrics: m}
}

// Name implements embeddings.Provider.
func (e *instrumentedEmbeddings) Name() string { return e.inner.Name() }

// Embed implements embeddings.Provider.
func (e *instrumentedEmbeddings) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	provider := e.inner.Name()
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", req.Model),
		attribute.String("input_type", string(req.InputType)),
	}

	ctx, span := StartSpan(ctx, "embeddings.Embed",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.Int("texts", len(req.Texts)))...),
	)
	defer span.End()

	start := time.Now()
	resp, err := e.inner.Embed(ctx, req)
	e.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		FailSpan(span, err)
		e.metrics.RecordProviderRequest(ctx, provider, "embeddings", "error")
		e.metrics.RecordProviderError(ctx, provider, "embeddings")
		return nil, err
	}

	span.SetAttributes(attribute.Int("tokens", resp.TotalTokens))
	e.metrics.RecordProviderRequest(ctx, provider, "embeddings", "ok")
	e.metrics.EmbeddingTokens.Add(ctx, int64(resp.TotalTokens),
		metric.WithAttributes(attribute.String("model", req.Model)),
	)
	return resp, nil
}
