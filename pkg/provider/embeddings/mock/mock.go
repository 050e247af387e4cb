// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return deterministic embedding vectors without a live model
// and to verify which models, texts and input types were submitted.
//
// By default every text maps to a pseudo-random vector derived from the text
// itself, plus a small model-specific offset, so different models "agree" on
// the same text without producing identical vectors. Override VectorFunc for
// hand-crafted geometry.
//
// Example:
//
//	p := &mock.Provider{Dimensions: 4}
//	resp, _ := p.Embed(ctx, embeddings.Request{
//	    Model:     "model-a",
//	    Texts:     []string{"hello world"},
//	    InputType: embeddings.InputDocument,
//	})
package mock

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when Dimensions is zero.
const DefaultDimensions = 8

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Request is a copy of the request passed to Embed.
	Request embeddings.Request
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Dimensions is the length of generated vectors. Defaults to DefaultDimensions.
	Dimensions int

	// VectorFunc, if set, produces the vector for one text. It replaces the
	// default text-hash generator.
	VectorFunc func(model, text string, inputType embeddings.InputType) []float32

	// TokensPerText is added to Response.TotalTokens for every text.
	TokensPerText int

	// Err, if non-nil, is returned by every Embed call.
	Err error

	// ModelErrs maps a model ID to an error returned for calls with that model.
	ModelErrs map[string]error

	// Delay, if positive, is waited before answering. A cancelled ctx ends the
	// wait early and Embed returns ctx.Err().
	Delay time.Duration

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall
}

// Embed records the call and returns generated vectors, or the configured error.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	p.mu.Lock()
	texts := make([]string, len(req.Texts))
	copy(texts, req.Texts)
	cp := req
	cp.Texts = texts
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Request: cp})
	delay := p.Delay
	err := p.Err
	if modelErr, ok := p.ModelErrs[req.Model]; ok && err == nil {
		err = modelErr
	}
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp := &embeddings.Response{Embeddings: make([][]float32, len(req.Texts))}
	for i, text := range req.Texts {
		resp.Embeddings[i] = p.vector(req.Model, text, req.InputType)
		resp.TotalTokens += p.TokensPerText
	}
	return resp, nil
}

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// CallCount returns the number of Embed calls recorded so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (p *Provider) Calls() []EmbedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EmbedCall, len(p.EmbedCalls))
	copy(out, p.EmbedCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
}

func (p *Provider) vector(model, text string, inputType embeddings.InputType) []float32 {
	if p.VectorFunc != nil {
		return p.VectorFunc(model, text, inputType)
	}
	dim := p.Dimensions
	if dim <= 0 {
		dim = DefaultDimensions
	}

	base := rand.New(rand.NewPCG(hash(text), 1))
	offset := rand.New(rand.NewPCG(hash(model), hash(string(inputType))))
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(base.NormFloat64() + 0.1*offset.NormFloat64())
	}
	return v
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
