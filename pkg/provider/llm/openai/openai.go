// Package openai streams chat completions from the OpenAI API or from any
// server that speaks the Chat Completions protocol (vLLM, LM Studio, LiteLLM
// and similar gateways).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// Provider implements [llm.Provider] over the Chat Completions streaming API.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	apiKey       string
	baseURL      string
	organization string
	headers      map[string]string
	timeout      time.Duration
	maxRetries   int
}

// Option configures a [Provider].
type Option func(*settings)

// WithAPIKey sets the bearer token. It is required unless [WithBaseURL]
// points at a gateway that accepts anonymous requests.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

// WithBaseURL sends requests to an OpenAI-compatible server instead of
// api.openai.com.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithHeader adds a header to every request, for gateways that route or
// authenticate on custom headers.
func WithHeader(key, value string) Option {
	return func(s *settings) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

// WithTimeout bounds every HTTP request, including the time spent reading
// the stream.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxRetries sets how often the SDK retries transient failures before
// the stream starts. Negative values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New returns a Provider for model.
func New(model string, opts ...Option) (*Provider, error) {
	s := settings{maxRetries: -1}
	for _, o := range opts {
		o(&s)
	}
	if model == "" {
		return nil, errors.New("openai chat: model must not be empty")
	}
	if s.apiKey == "" && s.baseURL == "" {
		return nil, errors.New("openai chat: an API key is required for api.openai.com")
	}

	var reqOpts []option.RequestOption
	if s.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(s.apiKey))
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	for k, v := range s.headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	if s.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(s.maxRetries))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name returns "openai/<model>".
func (p *Provider) Name() string { return "openai/" + p.model }

// StreamCompletion implements [llm.Provider]. Errors raised while reading the
// stream arrive as a final chunk with [llm.FinishReasonError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai chat: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go relay(ctx, stream, ch)
	return ch, nil
}

// relay copies text deltas from stream to ch and closes both when done.
func relay(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk], ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		cur := stream.Current()
		if len(cur.Choices) == 0 {
			// Usage-only or keep-alive chunk.
			continue
		}
		delta, finish := cur.Choices[0].Delta.Content, cur.Choices[0].FinishReason
		if delta == "" && finish == "" {
			continue
		}
		if !send(llm.Chunk{Text: delta, FinishReason: finish}) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
	}
}

// roleMessages maps conversation roles onto SDK message constructors.
var roleMessages = map[string]func(string) oai.ChatCompletionMessageParamUnion{
	llm.RoleSystem:    func(s string) oai.ChatCompletionMessageParamUnion { return oai.SystemMessage(s) },
	llm.RoleUser:      func(s string) oai.ChatCompletionMessageParamUnion { return oai.UserMessage(s) },
	llm.RoleAssistant: func(s string) oai.ChatCompletionMessageParamUnion { return oai.AssistantMessage(s) },
}

// buildParams turns a CompletionRequest into SDK params. The system prompt
// goes first.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("at least one message is required")
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		build, ok := roleMessages[m.Role]
		if !ok {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		msgs = append(msgs, build(m.Content))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}
