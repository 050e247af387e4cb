// Package app wires all sharedspace subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New decorates the providers and
// builds the comparability pipeline, rate limiter and HTTP handlers, Run serves
// until its context is cancelled, and Shutdown releases what New opened.
//
// For testing, inject doubles via functional options (WithLimiter,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sharedspace/internal/api"
	"github.com/MrWong99/sharedspace/internal/comparability"
	"github.com/MrWong99/sharedspace/internal/config"
	"github.com/MrWong99/sharedspace/internal/health"
	"github.com/MrWong99/sharedspace/internal/observe"
	"github.com/MrWong99/sharedspace/internal/ratelimit"
	"github.com/MrWong99/sharedspace/internal/resilience"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings/cache"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// DefaultShutdownTimeout bounds graceful shutdown when the config sets none.
const DefaultShutdownTimeout = 10 * time.Second

// NamedLLM is a chat provider together with the name used for its circuit
// breaker.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Embeddings backs the comparability pipeline. Required.
	Embeddings embeddings.Provider

	// LLM backs the chat endpoint. Optional.
	LLM *NamedLLM

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []NamedLLM
}

// App owns all subsystem lifetimes of the sharedspace server.
type App struct {
	providers *Providers
	metrics   *observe.Metrics

	// mu guards cfg, which changes on hot reload.
	mu  sync.Mutex
	cfg *config.Config

	// Subsystems, initialised in New.
	embeddings     embeddings.Provider
	breaker        *resilience.EmbeddingsBreaker
	chat           llm.Provider
	chatFallback   *resilience.LLMFallback
	pipeline       atomic.Pointer[comparability.Pipeline]
	limiter        *ratelimit.Swappable
	injectedLimit  ratelimit.Limiter
	redis          *ratelimit.Redis
	logLevel       *slog.LevelVar
	metricsHandler http.Handler
	server         *api.Server
	httpServer     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets hot reload adjust lv when server.log_level changes.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithLimiter injects a rate limiter instead of creating one from the
// rate_limit section. Rate-limit reloads are ignored while it is in use.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(a *App) { a.injectedLimit = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// The embeddings provider is decorated, innermost first, with tracing and
// metrics, per-model circuit breakers and, when enabled, the embedding cache.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Embeddings decorator chain ────────────────────────────────────
	if err := a.initEmbeddings(); err != nil {
		return nil, fmt.Errorf("app: init embeddings: %w", err)
	}

	// ── 2. Comparability pipeline ────────────────────────────────────────
	pl, err := comparability.New(a.embeddings, PipelineConfig(cfg.Analysis))
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.pipeline.Store(pl)

	// ── 3. Chat provider with failover ───────────────────────────────────
	a.initChat()

	// ── 4. Rate limiter ──────────────────────────────────────────────────
	if err := a.initLimiter(ctx); err != nil {
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEmbeddings builds the decorated embeddings provider.
func (a *App) initEmbeddings() error {
	p := observe.InstrumentEmbeddings(a.providers.Embeddings, a.metrics)

	a.breaker = resilience.NewEmbeddingsBreaker(p, resilience.CircuitBreakerConfig{
		MaxFailures:   a.cfg.Analysis.Breaker.MaxFailures,
		ResetTimeout:  a.cfg.Analysis.Breaker.ResetTimeout,
		OnStateChange: a.onBreakerChange,
	})
	a.embeddings = a.breaker

	if a.cfg.Cache.Enabled {
		c, err := cache.New(a.breaker, a.cfg.Cache.Size,
			cache.WithLookupObserver(a.metrics.RecordCacheLookup),
		)
		if err != nil {
			return err
		}
		a.embeddings = c
		slog.Info("embedding cache enabled", "size", a.cfg.Cache.Size)
	}
	return nil
}

// onBreakerChange logs and records a circuit breaker transition.
func (a *App) onBreakerChange(name string, from, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	level := slog.LevelInfo
	if to == resilience.StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", name, "from", from.String(), "to", to.String())
}

// initChat instruments the chat provider and wraps it in an
// [resilience.LLMFallback] when fallbacks are configured.
func (a *App) initChat() {
	primary := a.providers.LLM
	if primary == nil || primary.Provider == nil {
		return
	}
	if len(a.providers.LLMFallbacks) == 0 {
		a.chat = observe.InstrumentLLM(primary.Provider, a.metrics)
		return
	}

	fb := resilience.NewLLMFallback(primary.Provider, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   a.cfg.Analysis.Breaker.MaxFailures,
			ResetTimeout:  a.cfg.Analysis.Breaker.ResetTimeout,
			OnStateChange: a.onBreakerChange,
		},
	})
	for _, f := range a.providers.LLMFallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	a.chatFallback = fb
	a.chat = observe.InstrumentLLM(fb, a.metrics)
}

// initLimiter creates the rate limiter from config unless one was injected.
func (a *App) initLimiter(ctx context.Context) error {
	if a.injectedLimit != nil {
		a.limiter = ratelimit.NewSwappable(a.injectedLimit)
		return nil
	}
	rl := a.cfg.RateLimit
	if rl.Requests <= 0 {
		slog.Info("rate limiting disabled")
		return nil
	}

	l, err := a.buildLimiter(ctx, rl)
	if err != nil {
		return err
	}
	a.limiter = ratelimit.NewSwappable(l)
	slog.Info("rate limiting enabled",
		"backend", backendName(rl.Backend),
		"requests", rl.Requests,
		"window", rl.Window,
	)
	return nil
}

// buildLimiter returns a limiter for rl. The Redis connection is opened once
// and shared by every later limiter.
func (a *App) buildLimiter(ctx context.Context, rl config.RateLimitConfig) (ratelimit.Limiter, error) {
	if rl.Backend != config.RateLimitRedis {
		return ratelimit.NewMemory(rl.Requests, rl.Window, rl.MaxKeys)
	}
	if a.redis != nil {
		r, err := a.redis.WithLimits(rl.Requests, rl.Window)
		if err != nil {
			return nil, err
		}
		a.redis = r
		return r, nil
	}
	r, err := ratelimit.OpenRedis(ctx, rl.RedisURL, rl.Requests, rl.Window)
	if err != nil {
		return nil, err
	}
	a.redis = r
	a.closers = append(a.closers, r.Close)
	return r, nil
}

// initServer builds the API server, health checks and the http.Server.
func (a *App) initServer() {
	checkers := []health.Checker{
		health.BreakerChecker("embeddings", a.openBreakers),
	}
	if a.chatFallback != nil {
		checkers = append(checkers, health.Checker{
			Name:     "chat",
			Optional: true,
			Check: func(context.Context) error {
				if !a.chatFallback.Healthy() {
					return fmt.Errorf("every chat provider circuit is open: %s", strings.Join(a.chatFallback.OpenBreakers(), ", "))
				}
				return nil
			},
		})
	}
	if a.redis != nil {
		checkers = append(checkers, health.Checker{Name: "redis", Check: a.pingRedis})
	}

	opts := []api.Option{
		api.WithMetrics(a.metrics),
		api.WithHealth(health.New(checkers)),
	}
	if a.chat != nil {
		opts = append(opts, api.WithChat(a.chat))
	}
	if a.limiter != nil {
		opts = append(opts, api.WithLimiter(a.limiter, ratelimit.ClientIP(a.cfg.Server.TrustProxyHeaders)))
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	a.server = api.New(a.pipeline.Load(), opts...)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
}

// openBreakers lists the embedding models whose circuit is open.
func (a *App) openBreakers() []string {
	var open []string
	for model, st := range a.breaker.States() {
		if st == resilience.StateOpen {
			open = append(open, model)
		}
	}
	return open
}

// pingRedis checks the current Redis limiter.
func (a *App) pingRedis(ctx context.Context) error {
	a.mu.Lock()
	r := a.redis
	a.mu.Unlock()
	return r.Ping(ctx)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler tree served by Run.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Analyze runs one comparability analysis with the current pipeline.
func (a *App) Analyze(ctx context.Context, textA, textB string) (*comparability.Report, error) {
	return a.pipeline.Load().Run(ctx, textA, textB)
}

// Config returns the most recently applied config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
// within server.shutdown_timeout. It returns nil after a clean drain.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.httpServer.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	tlsCfg := a.cfg.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = a.httpServer.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("http server draining", "timeout", timeout)
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: drain http server: %w", err)
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config. Its
// signature matches [config.ChangeFunc]. Parts that cannot be applied are
// logged and the previous setting stays in effect.
func (a *App) ApplyConfig(_, newCfg *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.cfg

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.AnalysisChanged {
		pl, err := comparability.New(a.embeddings, PipelineConfig(newCfg.Analysis))
		if err != nil {
			slog.Warn("analysis reload rejected, keeping previous pipeline", "err", err)
		} else {
			a.pipeline.Store(pl)
			a.server.SetAnalyzer(pl)
			slog.Info("analysis settings reloaded", "models", len(pl.Models()))
		}
		if old.Analysis.Breaker != newCfg.Analysis.Breaker {
			slog.Warn("circuit breaker settings change on restart only")
		}
	}

	if diff.RateLimitChanged {
		a.reloadLimiter(newCfg.RateLimit)
	}

	a.cfg = newCfg
}

// reloadLimiter swaps in a limiter for rl. Turning rate limiting on or off
// and switching backends needs a restart. Called with a.mu held.
func (a *App) reloadLimiter(rl config.RateLimitConfig) {
	switch {
	case a.injectedLimit != nil:
		return
	case a.limiter == nil || rl.Requests <= 0:
		slog.Warn("enabling or disabling rate limiting requires a restart")
		return
	case backendName(rl.Backend) != backendName(a.cfg.RateLimit.Backend) || rl.RedisURL != a.cfg.RateLimit.RedisURL:
		slog.Warn("rate limit backend changes require a restart")
		return
	}

	// The backend is already open; nothing is dialled here.
	l, err := a.buildLimiter(context.Background(), rl)
	if err != nil {
		slog.Warn("rate limit reload rejected", "err", err)
		return
	}
	a.limiter.Swap(l)
	slog.Info("rate limit reloaded", "requests", rl.Requests, "window", rl.Window)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases resources opened by New in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// PipelineConfig converts the analysis section into a pipeline config. An
// empty model list selects [comparability.DefaultModels].
func PipelineConfig(ac config.AnalysisConfig) comparability.Config {
	models := comparability.DefaultModels
	if len(ac.Models) > 0 {
		models = make([]comparability.Model, len(ac.Models))
		for i, m := range ac.Models {
			models[i] = comparability.Model{ID: m.ID, PricePerMillionTokens: m.PricePerMillionTokens}
		}
	}
	return comparability.Config{
		Models:        models,
		ControlText:   ac.ControlText,
		MaxTextLength: ac.MaxTextLength,
		Timeout:       ac.Timeout,
		Seed:          ac.Seed,
	}
}

// backendName resolves the empty backend to memory.
func backendName(b config.RateLimitBackend) config.RateLimitBackend {
	if b == "" {
		return config.RateLimitMemory
	}
	return b
}
