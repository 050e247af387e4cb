package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/sharedspace/internal/app"
	"github.com/MrWong99/sharedspace/internal/config"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	embmock "github.com/MrWong99/sharedspace/pkg/provider/embeddings/mock"
	ollamaembed "github.com/MrWong99/sharedspace/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/sharedspace/pkg/provider/embeddings/openai"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings/voyage"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
	"github.com/MrWong99/sharedspace/pkg/provider/llm/anyllm"
	llmmock "github.com/MrWong99/sharedspace/pkg/provider/llm/mock"
	oallm "github.com/MrWong99/sharedspace/pkg/provider/llm/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("voyage", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []voyage.Option
		if entry.BaseURL != "" {
			opts = append(opts, voyage.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, voyage.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_batch_size"); n > 0 {
			opts = append(opts, voyage.WithMaxBatchSize(n))
		}
		if v, ok := entry.Options["truncation"].(bool); ok {
			opts = append(opts, voyage.WithTruncation(v))
		}
		p, err := voyage.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		if field := optString(entry.Options, "input_type_field"); field != "" {
			opts = append(opts, oaembed.WithInputTypeField(field))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if n, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, oaembed.WithMaxRetries(n))
		}
		p, err := oaembed.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		p, err := ollamaembed.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// mock generates deterministic vectors without network access, for demos
	// and local development.
	reg.RegisterEmbeddings("mock", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{
			Dimensions:    optInt(entry.Options, "dimensions"),
			TokensPerText: optInt(entry.Options, "tokens_per_text"),
		}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []oallm.Option{oallm.WithAPIKey(entry.APIKey)}
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if n, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, oallm.WithMaxRetries(n))
		}
		if headers, ok := entry.Options["headers"].(map[string]any); ok {
			for k, v := range headers {
				if sv, ok := v.(string); ok {
					opts = append(opts, oallm.WithHeader(k, sv))
				}
			}
		}
		p, err := oallm.New(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Every other any-llm-go backend shares one factory: an optional APIKey
	// (the backend falls back to its environment variable) and an optional
	// BaseURL for local servers such as ollama or llama.cpp.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(backend, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// mock streams a fixed reply, or options.reply when set.
	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		reply := optString(entry.Options, "reply")
		if reply == "" {
			reply = "This is a mock reply."
		}
		return &llmmock.Provider{
			StreamChunks: []llm.Chunk{{Text: reply, FinishReason: "stop"}},
		}, nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	emb, err := buildEmbeddings(cfg, reg)
	if err != nil {
		return nil, err
	}
	ps.Embeddings = emb

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, err
		}
		ps.LLM = &app.NamedLLM{Name: name, Provider: p}
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}

	for i, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not available, skipping", "kind", "llm", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d (%q): %w", i, entry.Name, err)
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name, "model", entry.Model)
	}

	return ps, nil
}

// buildEmbeddings creates the embeddings provider named in cfg.
func buildEmbeddings(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	entry := cfg.Providers.Embeddings
	p, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name)
	return p, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int; JSON-ish
// sources may produce float64. Anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optDuration extracts a duration option written as a Go duration string
// ("30s"). Invalid or missing values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
