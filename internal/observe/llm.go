package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// instrumentedLLM wraps an [llm.Provider] with a span per stream and provider
// request and error counters.
type instrumentedLLM struct {
	inner   llm.Provider
	metrics *Metrics
}

// InstrumentLLM returns p wrapped with tracing and metrics. Each
// StreamCompletion opens an "llm.StreamCompletion" span that stays open until
// the stream is drained. A stream that fails to start or ends in an error
// chunk counts as a provider error of kind "chat".
func InstrumentLLM(p llm.Provider, m *Metrics) llm.Provider {
	return &instrumentedLLM{inner: p, metrics: m}
}

// Name implements llm.Provider.
func (l *instrumentedLLM) Name() string { return l.inner.Name() }

// StreamCompletion implements llm.Provider.
func (l *instrumentedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	provider := l.inner.Name()
	ctx, span := StartSpan(ctx, "llm.StreamCompletion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.Int("messages", len(req.Messages)),
		),
	)

	ch, err := l.inner.StreamCompletion(ctx, req)
	if err != nil {
		FailSpan(span, err)
		span.End()
		l.metrics.RecordProviderRequest(ctx, provider, "chat", "error")
		l.metrics.RecordProviderError(ctx, provider, "chat")
		return nil, err
	}

	out := make(chan llm.Chunk, cap(ch))
	go func() {
		defer close(out)
		defer span.End()

		chunks := 0
		var streamErr error
		for c := range ch {
			if err := c.Err(); err != nil && streamErr == nil {
				streamErr = err
			}
			chunks++
			out <- c
		}
		span.SetAttributes(attribute.Int("chunks", chunks))

		if streamErr != nil {
			FailSpan(span, streamErr)
			l.metrics.RecordProviderRequest(ctx, provider, "chat", "error")
			l.metrics.RecordProviderError(ctx, provider, "chat")
			return
		}
		l.metrics.RecordProviderRequest(ctx, provider, "chat", "ok")
	}()
	return out, nil
}
