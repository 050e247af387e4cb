package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// counter is the fixed window of one key.
type counter struct {
	start time.Time
	count int64
}

// Memory is an in-process fixed-window [Limiter]. Counters live in an LRU
// whose entries expire one window after they were created, so idle clients
// are swept without a background goroutine of our own. When more than
// maxKeys clients are active the least recently seen one is forgotten.
//
// Memory is safe for concurrent use.
type Memory struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	windows *expirable.LRU[string, *counter]
}

// Compile-time interface assertion.
var _ Limiter = (*Memory)(nil)

// MemoryOption configures a [Memory] limiter.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns a limiter allowing limit requests per window per key,
// tracking at most maxKeys keys. Non-positive window and maxKeys select
// [DefaultWindow] and [DefaultMaxKeys].
func NewMemory(limit int, window time.Duration, maxKeys int, opts ...MemoryOption) (*Memory, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	m := &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: expirable.NewLRU[string, *counter](maxKeys, nil, window),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Allow implements [Limiter]. It never returns an error.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows.Get(key)
	if !ok || !now.Before(w.start.Add(m.window)) {
		w = &counter{start: now}
		m.windows.Add(key, w)
	}

	d := Decision{Limit: m.limit, ResetAt: w.start.Add(m.window)}
	if w.count >= int64(m.limit) {
		return d, nil
	}
	w.count++
	d.Allowed = true
	d.Remaining = remaining(m.limit, w.count)
	return d, nil
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	return m.windows.Len()
}
