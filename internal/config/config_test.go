package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sharedspace/internal/config"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	embmock "github.com/MrWong99/sharedspace/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
	llmmock "github.com/MrWong99/sharedspace/pkg/provider/llm/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  shutdown_timeout: 15s

providers:
  embeddings:
    name: voyage
    api_key: pa-test
  llm:
    name: anthropic
    api_key: sk-ant-test
    model: claude-3-5-haiku-latest
  llm_fallbacks:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini

analysis:
  models:
    - id: voyage-3.5-lite
      price_per_million_tokens: 0.02
    - id: voyage-3-large
      price_per_million_tokens: 0.18
  control_text: "Bananas are rich in potassium."
  max_text_length: 1500
  timeout: 20s
  seed: 7
  breaker:
    max_failures: 3
    reset_timeout: 10s

rate_limit:
  requests: 20
  window: 1h
  backend: memory
  max_keys: 1000

cache:
  enabled: true
  size: 512

telemetry:
  service_name: sharedspace-test
`

// ── Load ─────────────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("shutdown_timeout: got %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Providers.Embeddings.Name != "voyage" || cfg.Providers.Embeddings.APIKey != "pa-test" {
		t.Errorf("embeddings: got %+v", cfg.Providers.Embeddings)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Model != "gpt-4o-mini" {
		t.Errorf("llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}

	a := cfg.Analysis
	if len(a.Models) != 2 || a.Models[1].ID != "voyage-3-large" || a.Models[1].PricePerMillionTokens != 0.18 {
		t.Errorf("analysis.models: got %+v", a.Models)
	}
	if a.ControlText != "Bananas are rich in potassium." {
		t.Errorf("control_text: got %q", a.ControlText)
	}
	if a.MaxTextLength != 1500 || a.Timeout != 20*time.Second || a.Seed != 7 {
		t.Errorf("analysis limits: got %+v", a)
	}
	if a.Breaker.MaxFailures != 3 || a.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("analysis.breaker: got %+v", a.Breaker)
	}

	if cfg.RateLimit.Requests != 20 || cfg.RateLimit.Window != time.Hour || cfg.RateLimit.Backend != config.RateLimitMemory {
		t.Errorf("rate_limit: got %+v", cfg.RateLimit)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Size != 512 {
		t.Errorf("cache: got %+v", cfg.Cache)
	}
	if cfg.Telemetry.ServiceName != "sharedspace-test" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("SHAREDSPACE_TEST_VOYAGE_KEY", "pa-from-env")
	yaml := `
providers:
  embeddings:
    name: voyage
    api_key: ${SHAREDSPACE_TEST_VOYAGE_KEY}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Embeddings.APIKey != "pa-from-env" {
		t.Errorf("api_key: got %q, want %q", cfg.Providers.Embeddings.APIKey, "pa-from-env")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  embeddings:
    name: voyage
analysis:
  modles: []
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_EmptyInputNeedsEmbeddings(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.embeddings.name") {
		t.Fatalf("expected embeddings provider error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/sharedspace.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("VOYAGE_API_KEY", "pa-test")
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example config: %v", err)
	}
	if cfg.Providers.Embeddings.APIKey != "pa-test" {
		t.Errorf("embeddings api_key = %q, want expanded env value", cfg.Providers.Embeddings.APIKey)
	}
	if got := len(cfg.Analysis.Models); got != 3 {
		t.Errorf("analysis.models = %d, want 3", got)
	}
	if cfg.RateLimit.Window != time.Hour {
		t.Errorf("rate_limit.window = %v, want 1h", cfg.RateLimit.Window)
	}
	if cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Errorf("telemetry.trace_sample_ratio = %v, want 0.25", cfg.Telemetry.TraceSampleRatio)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateEmbeddings(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		got = e
		return &embmock.Provider{}, nil
	})

	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "mock", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if got.APIKey != "k" {
		t.Errorf("factory got entry %+v, want api key k", got)
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateEmbeddings: got %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: got %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_NamesAndUnknownError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"voyage", "mock", "openai"} {
		reg.RegisterEmbeddings(name, func(config.ProviderEntry) (embeddings.Provider, error) {
			return &embmock.Provider{}, nil
		})
	}
	reg.RegisterLLM("anthropic", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if got := strings.Join(reg.EmbeddingsNames(), ","); got != "mock,openai,voyage" {
		t.Errorf("EmbeddingsNames() = %q, want sorted names", got)
	}
	if got := strings.Join(reg.LLMNames(), ","); got != "anthropic" {
		t.Errorf("LLMNames() = %q", got)
	}

	_, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "voyager"})
	if err == nil || !strings.Contains(err.Error(), "registered: mock, openai, voyage") {
		t.Errorf("error %v does not list registered providers", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterEmbeddings("broken", func(config.ProviderEntry) (embeddings.Provider, error) {
		return nil, boom
	})
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterEmbeddings("p", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{NameValue: "first"}, nil
	})
	reg.RegisterEmbeddings("p", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{NameValue: "second"}, nil
	})
	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "second" {
		t.Errorf("Name(): got %q, want second", p.Name())
	}
	// The mock must still behave like a provider.
	if _, err := p.Embed(context.Background(), embeddings.Request{
		Model: "m", Texts: []string{"x"}, InputType: embeddings.InputDocument,
	}); err != nil {
		t.Errorf("Embed: %v", err)
	}
}
