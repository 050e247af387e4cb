// Package cache provides an LRU-caching decorator for embeddings.Provider.
//
// Entries are content-addressed by (model, input type, SHA-256 of the text),
// so repeated texts within one request and across requests are only sent to
// the backend once. Cache hits cost no tokens; Response.TotalTokens only counts
// what the backend actually billed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
)

// DefaultSize is the number of vectors kept when no size is configured.
const DefaultSize = 4096

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// LookupFunc is called once per Embed with the number of texts served from
// the cache and the number sent to the backend.
type LookupFunc func(ctx context.Context, model string, hits, misses int)

// Provider wraps another embeddings.Provider with an in-memory LRU cache.
//
// Provider is safe for concurrent use.
type Provider struct {
	inner    embeddings.Provider
	entries  *lru.Cache[string, []float32]
	onLookup LookupFunc
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLookupObserver registers fn to be told about hits and misses, typically
// to feed metrics.
func WithLookupObserver(fn LookupFunc) Option {
	return func(p *Provider) {
		p.onLookup = fn
	}
}

// New wraps inner with an LRU cache holding up to size vectors. A non-positive
// size selects DefaultSize.
func New(inner embeddings.Provider, size int, opts ...Option) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("embeddings cache: inner provider must not be nil")
	}
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embeddings cache: %w", err)
	}
	p := &Provider{inner: inner, entries: entries}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the wrapped provider's name.
func (p *Provider) Name() string { return p.inner.Name() }

// Len returns the number of cached vectors.
func (p *Provider) Len() int { return p.entries.Len() }

// Purge drops every cached vector.
func (p *Provider) Purge() { p.entries.Purge() }

// Embed implements embeddings.Provider. Only uncached texts are forwarded to
// the wrapped provider, in one batch and in their original relative order.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	out := &embeddings.Response{Embeddings: make([][]float32, len(req.Texts))}
	keys := make([]string, len(req.Texts))

	// pending maps a missing key to every position that needs it, so duplicate
	// texts in one request are fetched once.
	pending := make(map[string][]int)
	var missTexts []string
	var missKeys []string

	for i, text := range req.Texts {
		keys[i] = key(req.Model, req.InputType, text)
		if vec, ok := p.entries.Get(keys[i]); ok {
			out.Embeddings[i] = vec
			continue
		}
		if _, seen := pending[keys[i]]; !seen {
			missTexts = append(missTexts, text)
			missKeys = append(missKeys, keys[i])
		}
		pending[keys[i]] = append(pending[keys[i]], i)
	}

	if p.onLookup != nil {
		hits := len(req.Texts)
		for _, idx := range pending {
			hits -= len(idx)
		}
		p.onLookup(ctx, req.Model, hits, len(req.Texts)-hits)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	resp, err := p.inner.Embed(ctx, embeddings.Request{
		Model:     req.Model,
		Texts:     missTexts,
		InputType: req.InputType,
	})
	if err != nil {
		return nil, err
	}
	if err := embeddings.CheckCount(p.inner.Name(), resp, len(missTexts)); err != nil {
		return nil, err
	}

	for j, k := range missKeys {
		vec := resp.Embeddings[j]
		p.entries.Add(k, vec)
		for _, i := range pending[k] {
			out.Embeddings[i] = vec
		}
	}
	out.TotalTokens = resp.TotalTokens
	return out, nil
}

// key builds the content address for one text.
func key(model string, inputType embeddings.InputType, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + "\x00" + string(inputType) + "\x00" + hex.EncodeToString(sum[:])
}
