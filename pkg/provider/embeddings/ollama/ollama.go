// Package ollama provides an embeddings provider backed by a local Ollama server.
//
// Ollama (https://ollama.com) hosts local large language models and embedding
// models. This package uses Ollama's native /api/embed endpoint to generate
// dense float32 vectors with models such as nomic-embed-text, mxbai-embed-large,
// and all-minilm.
//
// Ollama has no input_type parameter. Models trained for asymmetric retrieval
// instead expect a task prefix on every text; the provider adds the prefix that
// matches Request.InputType for recognised models, or the prefixes configured
// with WithPrefixes.
//
// Example usage:
//
//	p, err := ollama.New("") // connects to http://localhost:11434
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := p.Embed(ctx, embeddings.Request{
//	    Model:     "nomic-embed-text",
//	    Texts:     []string{"Hello, world!"},
//	    InputType: embeddings.InputQuery,
//	})
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

const providerName = "ollama"

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Prefixes are the task prefixes prepended to documents and queries.
type Prefixes struct {
	Document string
	Query    string
}

// Provider implements embeddings.Provider using a local Ollama server.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	httpClient *http.Client

	// prefixes overrides the built-in prefix table for every model when set.
	prefixes *Prefixes
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout  time.Duration
	prefixes *Prefixes
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithPrefixes sets the task prefixes used for every model, replacing the
// built-in table. Pass an empty Prefixes to disable prefixing entirely.
func WithPrefixes(p Prefixes) Option {
	return func(c *config) {
		c.prefixes = &p
	}
}

// New constructs a new Ollama Provider.
//
// baseURL is the base URL of the Ollama server (e.g., "http://localhost:11434").
// If empty, DefaultBaseURL is used. A trailing slash is stripped automatically.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Strip trailing slash for consistent URL construction.
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    baseURL,
		httpClient: httpClient,
		prefixes:   cfg.prefixes,
	}, nil
}

// Name implements embeddings.Provider.
func (p *Provider) Name() string { return providerName }

// embedRequest is the JSON request body sent to Ollama's /api/embed endpoint.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON response body returned by Ollama's /api/embed endpoint.
type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// Embed implements embeddings.Provider by computing embedding vectors for
// req.Texts in a single Ollama /api/embed request.
//
// The returned slice has the same length as req.Texts and is ordered
// identically. On any error, nil is returned; partial results are not exposed.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	prefix := p.prefixFor(req.Model, req.InputType)
	input := req.Texts
	if prefix != "" {
		input = make([]string, len(req.Texts))
		for i, t := range req.Texts {
			input[i] = prefix + t
		}
	}

	result, err := p.callEmbed(ctx, req.Model, input)
	if err != nil {
		return nil, err
	}

	resp := &embeddings.Response{
		Embeddings:  result.Embeddings,
		TotalTokens: result.PromptEvalCount,
	}
	if err := embeddings.CheckCount(providerName, resp, len(req.Texts)); err != nil {
		return nil, err
	}
	return resp, nil
}

// prefixFor returns the task prefix for model and input type.
func (p *Provider) prefixFor(model string, t embeddings.InputType) string {
	pf := knownPrefixes(model)
	if p.prefixes != nil {
		pf = *p.prefixes
	}
	if t == embeddings.InputQuery {
		return pf.Query
	}
	return pf.Document
}

// callEmbed is the internal helper that sends a POST /api/embed request to the
// Ollama server and returns the decoded response.
//
// It respects context cancellation via http.NewRequestWithContext.
func (p *Provider) callEmbed(ctx context.Context, model string, texts []string) (*embedResponse, error) {
	body, err := json.Marshal(embedRequest{
		Model: model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &embeddings.APIError{Provider: providerName, StatusCode: resp.StatusCode, Message: msg}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	return &result, nil
}

// knownPrefixes returns the task prefixes recommended for recognised Ollama
// embedding models. Unknown models get no prefix.
func knownPrefixes(model string) Prefixes {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return Prefixes{Document: "search_document: ", Query: "search_query: "}
	case strings.Contains(lower, "mxbai-embed-large"):
		return Prefixes{Query: "Represent this sentence for searching relevant passages: "}
	case strings.Contains(lower, "snowflake-arctic-embed"):
		return Prefixes{Query: "Represent this sentence for searching relevant passages: "}
	default:
		return Prefixes{}
	}
}
