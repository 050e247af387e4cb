// Package api exposes the sharedspace HTTP surface: the comparability analysis
// endpoint, the streamed chat endpoint, health probes and the Prometheus scrape
// endpoint.
//
// Routes:
//
//	POST /api/shared-space  comparability report for two texts
//	POST /api/chat          Server-Sent Events chat stream
//	GET  /healthz           liveness probe
//	GET  /readyz            readiness probe
//	GET  /metrics           Prometheus metrics
//
// Every route is wrapped in [observe.Middleware]. When a limiter is configured,
// routes under /api/ are additionally rate limited per client.
package api

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/MrWong99/sharedspace/internal/comparability"
	"github.com/MrWong99/sharedspace/internal/health"
	"github.com/MrWong99/sharedspace/internal/observe"
	"github.com/MrWong99/sharedspace/internal/ratelimit"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// MaxBodyBytes caps the size of every JSON request body.
const MaxBodyBytes = 64 << 10

// Analyzer produces a comparability report for two texts.
// *comparability.Pipeline satisfies it.
type Analyzer interface {
	Run(ctx context.Context, textA, textB string) (*comparability.Report, error)
}

// analyzerBox lets an interface value live in an atomic.Pointer.
type analyzerBox struct{ Analyzer }

// Server holds the handler dependencies. The analyzer can be replaced while the
// server is running; all other dependencies are fixed at construction time.
type Server struct {
	analyzer atomic.Pointer[analyzerBox]

	chat         llm.Provider
	systemPrompt string

	limiter   ratelimit.Limiter
	clientKey ratelimit.KeyFunc

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
}

// Option configures a [Server].
type Option func(*Server)

// WithChat enables POST /api/chat backed by p. Without it the endpoint answers
// 503.
func WithChat(p llm.Provider) Option {
	return func(s *Server) { s.chat = p }
}

// WithSystemPrompt replaces [DefaultSystemPrompt] for chat requests that do not
// carry their own.
func WithSystemPrompt(prompt string) Option {
	return func(s *Server) {
		if prompt != "" {
			s.systemPrompt = prompt
		}
	}
}

// WithLimiter rate limits /api/ routes with l, keyed by key.
func WithLimiter(l ratelimit.Limiter, key ratelimit.KeyFunc) Option {
	return func(s *Server) {
		s.limiter = l
		s.clientKey = key
	}
}

// WithHealth registers the probes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records request and pipeline metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server that answers analysis requests with a.
func New(a Analyzer, opts ...Option) *Server {
	s := &Server{systemPrompt: DefaultSystemPrompt}
	s.analyzer.Store(&analyzerBox{a})
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.clientKey == nil {
		s.clientKey = ratelimit.ClientIP(false)
	}
	return s
}

// SetAnalyzer swaps the analyzer used by subsequent requests. In-flight
// requests finish with the analyzer they started with.
func (s *Server) SetAnalyzer(a Analyzer) {
	s.analyzer.Store(&analyzerBox{a})
}

// Handler returns the fully wrapped route tree.
func (s *Server) Handler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/shared-space", s.handleSharedSpace)
	apiMux.HandleFunc("POST /api/chat", s.handleChat)

	var apiHandler http.Handler = apiMux
	if s.limiter != nil {
		apiHandler = ratelimit.Middleware(s.limiter, s.clientKey,
			ratelimit.OnReject(s.metrics.RecordRateLimited),
		)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return observe.Middleware(s.metrics)(mux)
}
