// Package ratelimit bounds how many requests a single client may send in a
// fixed time window.
//
// Two [Limiter] backends are provided: [Memory] keeps counters in an
// expiring LRU inside the process, [Redis] keeps them in Redis so several
// instances share one budget. [Middleware] applies a Limiter to HTTP handlers.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Decision is the outcome of one [Limiter.Allow] call.
type Decision struct {
	// Allowed is false once the client has used up its window.
	Allowed bool

	// Limit is the number of requests permitted per window.
	Limit int

	// Remaining is how many more requests the client may send in the current
	// window. Never negative.
	Remaining int

	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// RetryAfter returns how long the client should wait before retrying,
// rounded up to whole seconds and never less than one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	secs := (wait + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Limiter counts requests per key and decides whether the next one is
// allowed. Allow both checks and consumes: an allowed call uses up one slot.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Defaults shared by the backends.
const (
	DefaultWindow  = time.Hour
	DefaultMaxKeys = 10000
)

// remaining clamps limit-count at zero.
func remaining(limit int, count int64) int {
	if r := int64(limit) - count; r > 0 {
		return int(r)
	}
	return 0
}

// limiterBox lets an interface value live in an atomic.Pointer.
type limiterBox struct{ Limiter }

// Swappable forwards to a Limiter that can be replaced while requests are in
// flight, so rate-limit settings can be reloaded without rebuilding the
// handler chain.
type Swappable struct {
	cur atomic.Pointer[limiterBox]
}

// Compile-time interface assertion.
var _ Limiter = (*Swappable)(nil)

// NewSwappable returns a Swappable that starts with l.
func NewSwappable(l Limiter) *Swappable {
	s := &Swappable{}
	s.Swap(l)
	return s
}

// Swap replaces the limiter used by subsequent calls. Counters of the old
// limiter are not carried over.
func (s *Swappable) Swap(l Limiter) {
	s.cur.Store(&limiterBox{l})
}

// Current returns the limiter calls are forwarded to.
func (s *Swappable) Current() Limiter {
	return s.cur.Load().Limiter
}

// Allow implements [Limiter].
func (s *Swappable) Allow(ctx context.Context, key string) (Decision, error) {
	return s.Current().Allow(ctx, key)
}
