package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"voyage", "openai", "ollama", "mock"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// References of the form ${VAR} or $VAR are replaced with the value of the
// environment variable before decoding, so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, fmt.Errorf("providers.embeddings.name is required"))
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	if cfg.Providers.Embeddings.Name == "voyage" && cfg.Providers.Embeddings.APIKey == "" {
		slog.Warn("providers.embeddings.api_key is empty; Voyage AI will reject every request")
	}
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks is set but providers.llm is not configured"))
		} else {
			slog.Info("providers.llm is not configured; the chat endpoint is disabled")
		}
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}

	// Analysis
	errs = append(errs, validateAnalysis(&cfg.Analysis)...)

	// Rate limit
	rl := cfg.RateLimit
	if rl.Requests < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests must not be negative"))
	}
	if rl.Window < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must not be negative"))
	}
	if rl.MaxKeys < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_keys must not be negative"))
	}
	if rl.Backend != "" && !rl.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is invalid; valid values: memory, redis", rl.Backend))
	}
	if rl.Backend == RateLimitRedis && rl.RedisURL == "" {
		errs = append(errs, fmt.Errorf("rate_limit.redis_url is required when backend is redis"))
	}

	// Cache
	if cfg.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("cache.size must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be between 0 and 1, got %g", r))
	}

	return errors.Join(errs...)
}

// validateAnalysis checks the analysis section.
func validateAnalysis(a *AnalysisConfig) []error {
	var errs []error
	if len(a.Models) == 1 {
		errs = append(errs, fmt.Errorf("analysis.models needs at least 2 entries, got 1"))
	}
	seen := make(map[string]int, len(a.Models))
	for i, m := range a.Models {
		prefix := fmt.Sprintf("analysis.models[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[m.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of analysis.models[%d]", prefix, m.ID, prev))
			}
			seen[m.ID] = i
		}
		if m.PricePerMillionTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.price_per_million_tokens must not be negative", prefix))
		}
	}
	if a.MaxTextLength < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_text_length must not be negative"))
	}
	if a.Timeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout must not be negative"))
	}
	if a.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("analysis.breaker.max_failures must not be negative"))
	}
	if a.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.breaker.reset_timeout must not be negative"))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
