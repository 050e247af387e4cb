// Package voyage provides an embeddings provider backed by the Voyage AI REST API.
//
// Voyage models of one generation (e.g., voyage-4-lite, voyage-4, voyage-4-large)
// are trained into a shared vector space, and the API accepts an explicit
// input_type so documents and queries can be embedded asymmetrically. A single
// Provider serves every model; the model is chosen per request.
//
// Example usage:
//
//	p, err := voyage.New(os.Getenv("VOYAGE_API_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := p.Embed(ctx, embeddings.Request{
//	    Model:     "voyage-4-lite",
//	    Texts:     []string{"hello"},
//	    InputType: embeddings.InputDocument,
//	})
package voyage

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

const (
	// DefaultBaseURL is the public Voyage AI API endpoint.
	DefaultBaseURL = "https://api.voyageai.com/v1"

	// DefaultMaxBatchSize is the largest number of texts sent in one HTTP request.
	// Larger requests are split and the results concatenated in order.
	DefaultMaxBatchSize = 128

	providerName = "voyage"

	// maxErrorBody bounds how much of an error response is read into APIError.
	maxErrorBody = 4 << 10
)

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the Voyage AI API.
//
// Provider is safe for concurrent use.
type Provider struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	maxBatchSize int
	truncation   *bool
}

// config holds optional configuration collected from functional options.
type config struct {
	baseURL      string
	timeout      time.Duration
	httpClient   *http.Client
	maxBatchSize int
	truncation   *bool
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides DefaultBaseURL. A trailing slash is stripped.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default). Ignored when
// WithHTTPClient is also given.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithMaxBatchSize overrides DefaultMaxBatchSize. Non-positive values are ignored.
func WithMaxBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

// WithTruncation sets the API's truncation flag. When false, over-long inputs
// are rejected instead of being silently truncated. Unset leaves the API default.
func WithTruncation(enabled bool) Option {
	return func(c *config) {
		c.truncation = &enabled
	}
}

// New constructs a new Voyage Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage embeddings: apiKey must not be empty")
	}

	cfg := &config{maxBatchSize: DefaultMaxBatchSize}
	for _, o := range opts {
		o(cfg)
	}

	baseURL := cfg.baseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
		if cfg.timeout > 0 {
			hc.Timeout = cfg.timeout
		}
	}

	return &Provider{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   hc,
		maxBatchSize: cfg.maxBatchSize,
		truncation:   cfg.truncation,
	}, nil
}

// Name implements embeddings.Provider.
func (p *Provider) Name() string { return providerName }

// embedRequest is the JSON request body sent to POST /embeddings.
type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	InputType  string   `json:"input_type,omitempty"`
	Truncation *bool    `json:"truncation,omitempty"`
}

// embedResponse is the JSON response body returned by POST /embeddings.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// errorResponse is the JSON body Voyage returns on failure.
type errorResponse struct {
	Detail string `json:"detail"`
}

// Embed implements embeddings.Provider. Batches larger than the configured
// maximum are split into sequential requests; token usage is summed.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	out := &embeddings.Response{Embeddings: make([][]float32, 0, len(req.Texts))}
	for start := 0; start < len(req.Texts); start += p.maxBatchSize {
		end := min(start+p.maxBatchSize, len(req.Texts))
		vecs, tokens, err := p.call(ctx, req.Model, req.Texts[start:end], req.InputType)
		if err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, vecs...)
		out.TotalTokens += tokens
	}

	if err := embeddings.CheckCount(providerName, out, len(req.Texts)); err != nil {
		return nil, err
	}
	return out, nil
}

// call issues a single POST /embeddings request and returns the vectors in
// input order together with the billed token count.
func (p *Provider) call(ctx context.Context, model string, texts []string, inputType embeddings.InputType) ([][]float32, int, error) {
	body, err := json.Marshal(embedRequest{
		Input:      texts,
		Model:      model,
		InputType:  string(inputType),
		Truncation: p.truncation,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("voyage embeddings: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("voyage embeddings: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("voyage embeddings: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, readAPIError(resp)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("voyage embeddings: decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, 0, &embeddings.APIError{
			Provider: providerName,
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Data)),
		}
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, 0, &embeddings.APIError{
				Provider: providerName,
				Message:  fmt.Sprintf("unexpected index %d", d.Index),
			}
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, result.Usage.TotalTokens, nil
}

// readAPIError converts a non-200 response into an *embeddings.APIError,
// preferring the structured "detail" field when present.
func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Detail != "" {
		msg = er.Detail
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &embeddings.APIError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
