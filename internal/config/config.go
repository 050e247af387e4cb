// Package config provides the configuration schema, loader, and provider registry
// for the sharedspace comparability service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the sharedspace server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RateLimitBackend selects where rate-limit windows are counted.
type RateLimitBackend string

const (
	// RateLimitMemory counts in process. Limits are per instance.
	RateLimitMemory RateLimitBackend = "memory"

	// RateLimitRedis counts in Redis so every instance shares one budget.
	RateLimitRedis RateLimitBackend = "redis"
)

// IsValid reports whether b is a recognised rate-limit backend.
func (b RateLimitBackend) IsValid() bool {
	return b == RateLimitMemory || b == RateLimitRedis
}

// Config is the root configuration structure for sharedspace.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the sharedspace server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustProxyHeaders makes the rate limiter key on X-Forwarded-For / X-Real-IP
	// instead of the TCP peer address. Enable only behind a trusted proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs each
// collaborator. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Embeddings backs the comparability pipeline. Its Model field is unused;
	// the models come from [AnalysisConfig.Models].
	Embeddings ProviderEntry `yaml:"embeddings"`

	// LLM backs the chat endpoint. Optional.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "voyage", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AnalysisConfig controls the comparability pipeline.
type AnalysisConfig struct {
	// Models lists the embedding models in report order. When empty the
	// Voyage AI line-up is used.
	Models []ModelConfig `yaml:"models"`

	// ControlText is the unrelated sentence embedded alongside the inputs.
	ControlText string `yaml:"control_text"`

	// MaxTextLength caps each input text in characters. Defaults to 2000.
	MaxTextLength int `yaml:"max_text_length"`

	// Timeout bounds one analysis run. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Seed pins the projection's random start vectors. 0 means random.
	Seed int64 `yaml:"seed"`

	// Breaker configures the per-model circuit breakers around the
	// embeddings provider.
	Breaker BreakerConfig `yaml:"breaker"`
}

// ModelConfig is one embedding model and its published price.
type ModelConfig struct {
	ID                    string  `yaml:"id"`
	PricePerMillionTokens float64 `yaml:"price_per_million_tokens"`
}

// BreakerConfig tunes circuit breaking. Zero values select the defaults of
// the resilience package.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig bounds how many requests one client may send to /api/*.
type RateLimitConfig struct {
	// Requests per Window per client. 0 disables rate limiting.
	Requests int `yaml:"requests"`

	// Window is the fixed window length. Defaults to 1h.
	Window time.Duration `yaml:"window"`

	// Backend is "memory" (default) or "redis".
	Backend RateLimitBackend `yaml:"backend"`

	// RedisURL is required for the redis backend, e.g. "redis://localhost:6379/0".
	RedisURL string `yaml:"redis_url"`

	// MaxKeys caps the number of clients tracked by the memory backend.
	MaxKeys int `yaml:"max_keys"`
}

// CacheConfig controls the in-memory embedding cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Size is the number of vectors kept. Defaults to 4096.
	Size int `yaml:"size"`
}

// TelemetryConfig controls OpenTelemetry setup.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces sampled, between 0 and 1.
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
