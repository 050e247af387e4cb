package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker each [FallbackGroup] entry
// gets. The breaker Name is set to the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable providers, each behind
// its own [CircuitBreaker]. Entries are registered before first use and not
// modified afterwards.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry that is tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// ExecuteWithResult calls fn with each entry in order and returns the first
// success. Entries with an open breaker are skipped. Once ctx is done, or fn
// returns [context.Canceled], no further entry is tried and that error is
// returned unwrapped. When every entry fails the result wraps [ErrAllFailed]
// and each entry's error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, e := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := Call(e.breaker, func() (R, error) { return fn(e.value) })
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback: skipping provider with open breaker", "provider", e.name)
		default:
			slog.Warn("fallback: provider failed, trying next", "provider", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Names returns the entry names in failover order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// States returns every entry's breaker state keyed by entry name.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		states[e.name] = e.breaker.State()
	}
	return states
}
