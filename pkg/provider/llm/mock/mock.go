// Package mock provides an in-memory [llm.Provider] for tests.
//
// A zero Provider streams nothing and closes the channel. Set StreamChunks for
// a fixed reply, Reply to answer per request, or StreamErr to fail before the
// stream starts. Configure fields before the first call.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// Call is one recorded StreamCompletion invocation.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scripted chat backend.
type Provider struct {
	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// StreamChunks is sent on every stream, in order.
	StreamChunks []llm.Chunk

	// Reply, when set, replaces StreamChunks and computes the chunks from the
	// request.
	Reply func(req llm.CompletionRequest) []llm.Chunk

	// StreamErr is returned by StreamCompletion instead of opening a stream.
	StreamErr error

	// ChunkDelay is waited before each chunk is sent.
	ChunkDelay time.Duration

	mu sync.Mutex

	// StreamCalls records every call. Read it after the stream has been
	// consumed, or use [Provider.LastRequest].
	StreamCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// StreamCompletion records the call and streams the scripted chunks. The
// channel closes early when ctx is cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	chunks := slices.Clone(p.StreamChunks)
	if p.Reply != nil {
		chunks = p.Reply(req)
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if p.ChunkDelay > 0 {
				select {
				case <-time.After(p.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// LastRequest returns the most recent request and whether there was one.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req, true
}

// StreamCallCount returns the number of StreamCompletion calls so far.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
