// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense float32
// vectors for a named model. One Provider instance may serve several models of
// the same family (e.g., voyage-4-lite and voyage-4-large), which is what makes
// cross-model similarity comparisons possible in the first place.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"fmt"
)

// InputType tells asymmetric embedding models what role the text plays in a
// retrieval setting. Models that do not distinguish roles ignore it.
type InputType string

const (
	// InputDocument marks text that is stored and later searched.
	InputDocument InputType = "document"

	// InputQuery marks text that is used to search stored documents.
	InputQuery InputType = "query"
)

// Valid reports whether t is one of the known input types. The empty string is
// not valid; callers must choose a role explicitly.
func (t InputType) Valid() bool {
	return t == InputDocument || t == InputQuery
}

// Request is a single batched embedding call.
type Request struct {
	// Model is the provider-specific model identifier (e.g., "voyage-4-lite").
	Model string

	// Texts are embedded in order. Response.Embeddings[i] corresponds to Texts[i].
	Texts []string

	// InputType is the retrieval role of every text in the batch.
	InputType InputType
}

// Response is the result of a successful embedding call.
type Response struct {
	// Embeddings holds one vector per input text, in input order. All vectors
	// produced by one model share the same length.
	Embeddings [][]float32

	// TotalTokens is the number of input tokens billed for the call, as reported
	// by the provider. Zero when the provider does not report usage.
	TotalTokens int
}

// Provider is the abstraction over any text-embedding backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes embedding vectors for req.Texts with req.Model in a single
	// logical call (implementations may split it into several HTTP requests when
	// the backend limits batch size). The returned Response has exactly
	// len(req.Texts) embeddings.
	//
	// Returns an error if any part of the call fails or ctx is cancelled.
	// Partial results are never returned.
	Embed(ctx context.Context, req Request) (*Response, error)

	// Name returns a short identifier for the backend (e.g., "voyage"), used in
	// logs, metrics and error messages.
	Name() string
}

// APIError is returned by providers when the backend responds with a non-success
// status. It carries enough detail to map the failure to an HTTP status and to
// decide whether a retry or circuit-breaker trip is warranted.
type APIError struct {
	// Provider is the Name() of the backend that failed.
	Provider string

	// StatusCode is the HTTP status returned by the backend, or 0 when the
	// failure happened before a response was received.
	StatusCode int

	// Message is the backend's error detail, truncated to a sensible length.
	Message string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s embeddings: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s embeddings: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether the failure is likely transient (rate limiting or
// a server-side error).
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Validate checks the invariants every Provider expects of a Request. Backends
// call it before issuing any network traffic.
func (r Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("embeddings: model must not be empty")
	}
	if len(r.Texts) == 0 {
		return fmt.Errorf("embeddings: at least one text is required")
	}
	if !r.InputType.Valid() {
		return fmt.Errorf("embeddings: invalid input type %q", r.InputType)
	}
	return nil
}

// CheckCount verifies that a backend returned one vector per input text.
func CheckCount(provider string, resp *Response, want int) error {
	if resp == nil || len(resp.Embeddings) != want {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return &APIError{Provider: provider, Message: fmt.Sprintf("expected %d embeddings, got %d", want, got)}
	}
	return nil
}
