// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers:
//
//   - 200 "ok" when all checks pass,
//   - 200 "degraded" when only optional checks fail,
//   - 503 "fail" when a required check fails.
//
// The body lists each check with its outcome and latency.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single check when [WithCheckTimeout] is not
// given.
const DefaultCheckTimeout = 5 * time.Second

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name is the key of this check in the readiness body.
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it. The chat
	// endpoint is optional, for example: comparisons keep working without it.
	Optional bool
}

// BreakerChecker fails while open reports any tripped circuit breaker.
func BreakerChecker(name string, open func() []string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			names := slices.Sorted(slices.Values(open()))
			if len(names) == 0 {
				return nil
			}
			return errors.New("circuit open: " + strings.Join(names, ", "))
		},
	}
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	Optional  bool    `json:"optional,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves the probes. Its checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New returns a Handler running checkers on every readiness request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: slices.Clone(checkers),
		timeout:  DefaultCheckTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Check runs every checker concurrently, each under its own timeout, and
// aggregates the results.
func (h *Handler) Check(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var mu sync.Mutex

	// A plain Group: one failing check must not cancel the others.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			res := h.run(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case res.Status == StatusOK:
			case c.Optional:
				if rep.Status == StatusOK {
					rep.Status = StatusDegraded
				}
			default:
				rep.Status = StatusFail
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{
		Status:    StatusOK,
		Optional:  c.Optional,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
