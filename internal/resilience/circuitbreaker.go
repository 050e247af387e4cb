// Package resilience protects sharedspace from unhealthy upstream providers.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [EmbeddingsBreaker] keeps one breaker per embedding model, and
// [FallbackGroup] / [LLMFallback] fail chat requests over to the next
// configured provider when the current one errors or its breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the protected function while a
// breaker is open or its half-open probe budget is used up.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failed
	// probe re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

// String returns the state name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and in OnStateChange.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted in the half-open
	// state. Default: 3.
	HalfOpenMax int

	// IsFailure reports whether an error counts against the breaker. Errors
	// it rejects are returned to the caller without touching any counter.
	// Default: [CountsAsFailure].
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the breaker
	// lock.
	OnStateChange func(name string, from, to State)
}

// CountsAsFailure is the default failure classifier: every error except
// [context.Canceled]. A deadline that expires while waiting on the backend
// still counts.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker returns a closed breaker configured by cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn when the breaker admits the call and records its outcome.
// Rejected calls return [ErrCircuitOpen] and fn is not run.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// Call is [CircuitBreaker.Execute] for functions that return a value.
func Call[R any](cb *CircuitBreaker, fn func() (R, error)) (R, error) {
	var zero R
	probe, err := cb.admit()
	if err != nil {
		return zero, err
	}
	res, err := fn()
	cb.settle(probe, err)
	if err != nil {
		return zero, err
	}
	return res, nil
}

// admit decides whether a call may proceed. probe is true for calls admitted
// in the half-open state.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeWins = 0, 0
		slog.Info("circuit breaker half-open, probing", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err == nil && probe:
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.close()
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
	case err == nil:
		cb.failures = 0
	case !cb.cfg.IsFailure(err):
		if probe {
			// Neutral outcome: return the probe slot.
			cb.probes--
		}
	case probe:
		cb.trip()
		slog.Warn("circuit breaker re-opened by failed probe", "name", cb.cfg.Name, "err", err)
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures, "err", err)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
}

// close resets the breaker to closed. Must be called with cb.mu held.
func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures = 0
	cb.probes, cb.probeWins = 0, 0
}

// notify reports a transition to OnStateChange. Must be called without cb.mu
// held.
func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.close()
	cb.mu.Unlock()

	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
	cb.notify(from, StateClosed)
}
