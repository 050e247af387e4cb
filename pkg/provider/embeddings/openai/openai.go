// Package openai provides an embeddings provider backed by the OpenAI API or
// any OpenAI-compatible embeddings gateway.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
)

const providerName = "openai"

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client         oai.Client
	inputTypeField string
	dimensions     int64
}

// config holds optional configuration for the provider.
type config struct {
	baseURL        string
	organization   string
	timeout        time.Duration
	maxRetries     int
	inputTypeField string
	dimensions     int64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the SDK retries transient failures. Negative
// values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithInputTypeField forwards Request.InputType as an extra JSON body field
// with the given name (typically "input_type"). OpenAI itself has no such
// field; OpenAI-compatible gateways in front of asymmetric models often do.
// When unset the input type is not sent.
func WithInputTypeField(name string) Option {
	return func(c *config) {
		c.inputTypeField = name
	}
}

// WithDimensions requests shortened output vectors from models that support it
// (text-embedding-3-*). Zero keeps the model's native size.
func WithDimensions(n int) Option {
	return func(c *config) {
		c.dimensions = int64(n)
	}
}

// New constructs a new OpenAI Embeddings Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:         oai.NewClient(reqOpts...),
		inputTypeField: cfg.inputTypeField,
		dimensions:     cfg.dimensions,
	}, nil
}

// Name implements embeddings.Provider.
func (p *Provider) Name() string { return providerName }

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (*embeddings.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := oai.EmbeddingNewParams{
		Model: req.Model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Texts,
		},
	}
	if p.dimensions > 0 {
		params.Dimensions = oai.Int(p.dimensions)
	}

	var callOpts []option.RequestOption
	if p.inputTypeField != "" {
		callOpts = append(callOpts, option.WithJSONSet(p.inputTypeField, string(req.InputType)))
	}

	resp, err := p.client.Embeddings.New(ctx, params, callOpts...)
	if err != nil {
		return nil, toAPIError(err)
	}
	if len(resp.Data) != len(req.Texts) {
		return nil, &embeddings.APIError{
			Provider: providerName,
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(req.Texts), len(resp.Data)),
		}
	}

	result := make([][]float32, len(req.Texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(req.Texts) {
			return nil, &embeddings.APIError{
				Provider: providerName,
				Message:  fmt.Sprintf("unexpected index %d", e.Index),
			}
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return &embeddings.Response{
		Embeddings:  result,
		TotalTokens: int(resp.Usage.TotalTokens),
	}, nil
}

// toAPIError maps SDK status errors onto *embeddings.APIError. Transport and
// context errors are wrapped unchanged so errors.Is still sees them.
func toAPIError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &embeddings.APIError{
			Provider:   providerName,
			StatusCode: apiErr.StatusCode,
			Message:    msg,
		}
	}
	return fmt.Errorf("openai embeddings: embed: %w", err)
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
