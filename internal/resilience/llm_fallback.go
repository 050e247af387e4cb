package resilience

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across chat backends.
// Each backend has its own circuit breaker.
//
// A stream counts as started once its first chunk arrived. A backend whose
// stream fails before producing any text (an error chunk first, or a channel
// that closes empty) is treated like a failed call and the next backend is
// tried. Failures after the first chunk reach the caller as error chunks.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// errEmptyStream reports a stream that closed without a single chunk.
var errEmptyStream = errors.New("stream closed without output")

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional chat provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Name returns the backend names in failover order joined by "|".
func (f *LLMFallback) Name() string {
	return strings.Join(f.group.Names(), "|")
}

// StreamCompletion streams from the first backend that produces output.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return peekStream(ctx, ch)
	})
}

// peekStream waits for the first chunk of ch. It returns an error when the
// stream fails or ends before that chunk, and otherwise a channel replaying
// the first chunk followed by the rest of ch.
func peekStream(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var first llm.Chunk
	select {
	case c, ok := <-ch:
		if !ok {
			return nil, errEmptyStream
		}
		first = c
	case <-ctx.Done():
		go drain(ch)
		return nil, ctx.Err()
	}
	if err := first.Err(); err != nil {
		go drain(ch)
		return nil, err
	}

	out := make(chan llm.Chunk, cap(ch)+1)
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(ch)
				return
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// Healthy reports whether at least one backend's circuit breaker is not open.
func (f *LLMFallback) Healthy() bool {
	return len(f.OpenBreakers()) < len(f.group.Names())
}

// OpenBreakers returns the sorted names of backends whose breaker is open.
func (f *LLMFallback) OpenBreakers() []string {
	var open []string
	for name, st := range f.group.States() {
		if st == StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
