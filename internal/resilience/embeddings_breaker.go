package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
)

// EmbeddingsBreaker implements [embeddings.Provider] with one circuit breaker
// per model, so a model that keeps failing is short-circuited while the other
// models of the same backend stay available.
type EmbeddingsBreaker struct {
	inner embeddings.Provider
	cfg   CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsBreaker)(nil)

// NewEmbeddingsBreaker wraps inner. cfg is the template for every per-model
// breaker; its Name is replaced with "<provider>/<model>". When cfg.IsFailure
// is nil, [EmbeddingsFailure] is used.
func NewEmbeddingsBreaker(inner embeddings.Provider, cfg CircuitBreakerConfig) *EmbeddingsBreaker {
	if cfg.IsFailure == nil {
		cfg.IsFailure = EmbeddingsFailure
	}
	return &EmbeddingsBreaker{
		inner:    inner,
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// EmbeddingsFailure classifies embedding errors for circuit breaking. Client
// errors (4xx other than 429) describe a bad request rather than an unhealthy
// backend and are not counted; neither is caller cancellation.
func EmbeddingsFailure(err error) bool {
	if !CountsAsFailure(err) {
		return false
	}
	var apiErr *embeddings.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && !apiErr.Temporary() {
		return false
	}
	return true
}

// Name implements embeddings.Provider.
func (b *EmbeddingsBreaker) Name() string { return b.inner.Name() }

// Embed implements embeddings.Provider. It returns [ErrCircuitOpen] without
// calling the backend when the breaker for req.Model is open.
func (b *EmbeddingsBreaker) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	return Call(b.breaker(req.Model), func() (*embeddings.Response, error) {
		return b.inner.Embed(ctx, req)
	})
}

// States returns the state of every breaker created so far, keyed by model.
func (b *EmbeddingsBreaker) States() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.breakers))
	for model, cb := range b.breakers {
		out[model] = cb.State()
	}
	return out
}

// breaker returns the breaker for model, creating it on first use.
func (b *EmbeddingsBreaker) breaker(model string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[model]
	if !ok {
		cfg := b.cfg
		cfg.Name = b.inner.Name() + "/" + model
		cb = NewCircuitBreaker(cfg)
		b.breakers[model] = cb
	}
	return cb
}
