package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/sharedspace/internal/app"
	"github.com/MrWong99/sharedspace/internal/comparability"
	"github.com/MrWong99/sharedspace/internal/config"
	"github.com/MrWong99/sharedspace/internal/observe"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	embmock "github.com/MrWong99/sharedspace/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
	llmmock "github.com/MrWong99/sharedspace/pkg/provider/llm/mock"
)

const analysisBody = `{"textA":"The cat sat on the mat.","textB":"A kitten rested on the rug."}`

// testConfig returns a minimal config using the default model line-up.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			Embeddings: config.ProviderEntry{Name: "mock"},
		},
		Analysis: config.AnalysisConfig{Seed: 7},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresEmbeddings(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("New() with no embeddings provider returned nil error")
	}
}

func TestNew_RejectsInvalidAnalysis(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Analysis.Models = []config.ModelConfig{{ID: "only-one"}}

	_, err := app.New(context.Background(), cfg, &app.Providers{Embeddings: &embmock.Provider{}},
		app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("New() with one model returned nil error")
	}
}

func TestSharedSpace_EndToEnd(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{}
	a := newApp(t, testConfig(), &app.Providers{Embeddings: emb})

	rec := do(t, a.Handler(), "POST", "/api/shared-space", analysisBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var report comparability.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := len(report.ModelAgreement.Models); got != len(comparability.DefaultModels) {
		t.Errorf("models = %d, want %d", got, len(comparability.DefaultModels))
	}
	// One document call per model plus query calls for the cheapest and the
	// most expensive model.
	if got := len(emb.EmbedCalls); got != 5 {
		t.Errorf("embed calls = %d, want 5", got)
	}
}

func TestCache_ServesRepeatedAnalysis(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache = config.CacheConfig{Enabled: true, Size: 64}
	emb := &embmock.Provider{}
	a := newApp(t, cfg, &app.Providers{Embeddings: emb})

	for i := range 2 {
		rec := do(t, a.Handler(), "POST", "/api/shared-space", analysisBody)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}
	if got := len(emb.EmbedCalls); got != 5 {
		t.Errorf("embed calls after two identical runs = %d, want 5", got)
	}
}

func TestBreaker_OpenCircuitFailsReadiness(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Analysis.Breaker = config.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}
	emb := &embmock.Provider{ModelErrs: map[string]error{
		"voyage-3.5": &embeddings.APIError{Provider: "mock", StatusCode: 503, Message: "overloaded"},
	}}
	a := newApp(t, cfg, &app.Providers{Embeddings: emb})
	h := a.Handler()

	if rec := do(t, h, "GET", "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz before failure = %d, want %d", rec.Code, http.StatusOK)
	}

	if rec := do(t, h, "POST", "/api/shared-space", analysisBody); rec.Code != http.StatusBadGateway {
		t.Fatalf("analysis status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	rec := do(t, h, "GET", "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after failure = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "voyage-3.5") {
		t.Errorf("readyz body = %s, want the open breaker named", rec.Body.String())
	}
}

func TestChat_FailsOverToFallback(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamErr: errors.New("primary down")}
	fallback := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "hi", FinishReason: "stop"}}}
	a := newApp(t, testConfig(), &app.Providers{
		Embeddings:   &embmock.Provider{},
		LLM:          &app.NamedLLM{Name: "openai", Provider: primary},
		LLMFallbacks: []app.NamedLLM{{Name: "anthropic", Provider: fallback}},
	})

	rec := do(t, a.Handler(), "POST", "/api/chat", `{"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `data: {"text":"hi"}`) {
		t.Errorf("body = %q, want the fallback chunk", rec.Body.String())
	}
	if len(primary.StreamCalls) != 1 || len(fallback.StreamCalls) != 1 {
		t.Errorf("stream calls primary=%d fallback=%d, want 1 and 1",
			len(primary.StreamCalls), len(fallback.StreamCalls))
	}
}

func TestChat_NotConfigured(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{Embeddings: &embmock.Provider{}})

	rec := do(t, a.Handler(), "POST", "/api/chat", `{"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimit_FromConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Requests: 1, Window: time.Hour}
	a := newApp(t, cfg, &app.Providers{Embeddings: &embmock.Provider{}})
	h := a.Handler()

	if rec := do(t, h, "POST", "/api/shared-space", analysisBody); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := do(t, h, "POST", "/api/shared-space", analysisBody); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Requests: 1, Window: time.Hour}
	lv := new(slog.LevelVar)
	a := newApp(t, cfg, &app.Providers{Embeddings: &embmock.Provider{}}, app.WithLogLevel(lv))
	h := a.Handler()

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Analysis.Models = []config.ModelConfig{
		{ID: "small", PricePerMillionTokens: 0.01},
		{ID: "large", PricePerMillionTokens: 0.1},
	}
	next.RateLimit = config.RateLimitConfig{Requests: 10, Window: time.Hour}

	a.ApplyConfig(cfg, next, config.Diff(cfg, next))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want %v", lv.Level(), slog.LevelDebug)
	}
	if a.Config() != next {
		t.Error("Config() does not return the applied config")
	}

	rec := do(t, h, "POST", "/api/shared-space", analysisBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want %q", got, "10")
	}
	var report comparability.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := []string{"small", "large"}; fmt.Sprint(report.ModelAgreement.Models) != fmt.Sprint(want) {
		t.Errorf("models = %v, want %v", report.ModelAgreement.Models, want)
	}

	direct, err := a.Analyze(context.Background(), "alpha", "beta")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := len(direct.Costs); got != 2 {
		t.Errorf("Analyze costs = %d, want 2", got)
	}
}

func TestApplyConfig_InvalidAnalysisKeepsPipeline(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	a := newApp(t, cfg, &app.Providers{Embeddings: &embmock.Provider{}})

	next := testConfig()
	next.Analysis.Models = []config.ModelConfig{{ID: "dup"}, {ID: "dup"}}
	a.ApplyConfig(cfg, next, config.Diff(cfg, next))

	report, err := a.Analyze(context.Background(), "alpha", "beta")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := len(report.Costs); got != len(comparability.DefaultModels) {
		t.Errorf("costs = %d, want %d", got, len(comparability.DefaultModels))
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ShutdownTimeout = time.Second
	a := newApp(t, cfg, &app.Providers{Embeddings: &embmock.Provider{}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := getWithRetry("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, body = %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// getWithRetry tolerates the short window before the server goroutine starts
// accepting.
func getWithRetry(url string) (*http.Response, error) {
	var lastErr error
	for range 20 {
		resp, err := http.Get(url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	return nil, lastErr
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{Embeddings: &embmock.Provider{}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}
