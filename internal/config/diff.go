package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only sections that can be safely hot-reloaded are tracked; provider and
// server changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AnalysisChanged is true if the models, control text, limits, timeout or
	// seed of the analysis section changed.
	AnalysisChanged bool

	// RateLimitChanged is true if any rate_limit field changed.
	RateLimitChanged bool

	// RestartRequired is true if a section that cannot be hot-reloaded changed.
	RestartRequired bool
}

// IsZero reports whether nothing relevant changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.AnalysisChanged && !d.RateLimitChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.AnalysisChanged = !analysisEqual(&old.Analysis, &new.Analysis)
	d.RateLimitChanged = old.RateLimit != new.RateLimit

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		!providerEqual(old.Providers.Embeddings, new.Providers.Embeddings) ||
		!providerEqual(old.Providers.LLM, new.Providers.LLM) ||
		!slices.EqualFunc(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks, providerEqual) ||
		old.Cache != new.Cache ||
		old.Telemetry != new.Telemetry {
		d.RestartRequired = true
	}

	return d
}

// analysisEqual compares two analysis sections.
func analysisEqual(a, b *AnalysisConfig) bool {
	return slices.Equal(a.Models, b.Models) &&
		a.ControlText == b.ControlText &&
		a.MaxTextLength == b.MaxTextLength &&
		a.Timeout == b.Timeout &&
		a.Seed == b.Seed &&
		a.Breaker == b.Breaker
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// providerEqual compares the fields of two provider entries that affect the
// constructed client. Options are compared by key set and scalar value.
func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	// Nested maps and lists are treated as changed.
	return false
}
