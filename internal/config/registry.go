package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to factories, one namespace per provider kind.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]Factory[llm.Provider]
	embeddings map[string]Factory[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]Factory[llm.Provider]),
		embeddings: make(map[string]Factory[embeddings.Provider]),
	}
}

// RegisterLLM registers a chat provider factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name,
// replacing any earlier registration.
func (r *Registry) RegisterEmbeddings(name string, factory Factory[embeddings.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM builds the chat provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return create(r.llm, "llm", entry)
}

// CreateEmbeddings builds the embeddings provider named by entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return create(r.embeddings, "embeddings", entry)
}

// LLMNames returns the registered chat provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm))
}

// EmbeddingsNames returns the registered embeddings provider names, sorted.
func (r *Registry) EmbeddingsNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.embeddings))
}

// create runs the factory for entry.Name. The error for an unknown name wraps
// [ErrProviderNotRegistered] and lists what is registered.
func create[T any](factories map[string]Factory[T], kind string, entry ProviderEntry) (T, error) {
	factory, ok := factories[entry.Name]
	if !ok {
		var zero T
		known := slices.Sorted(maps.Keys(factories))
		return zero, fmt.Errorf("%w: %s/%q (registered: %s)", ErrProviderNotRegistered, kind, entry.Name, strings.Join(known, ", "))
	}
	p, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s provider %q: %w", kind, entry.Name, err)
	}
	return p, nil
}
