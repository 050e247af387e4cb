// Package llm defines the Provider interface for chat-completion backends.
//
// The chat endpoint streams answers about the comparability report from a
// remote or local model (OpenAI, Anthropic Claude, a local Ollama instance)
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a Chunk that carries a mid-stream failure. Its Text
// holds the error message.
const FinishReasonError = "error"

// Message represents a single message in a chat conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history as a
	// "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. For a chunk with
	// FinishReason == FinishReasonError it carries the error message instead.
	Text string

	// FinishReason is set on the final chunk ("stop", "length",
	// FinishReasonError). Empty for non-final chunks.
	FinishReason string
}

// Err returns the stream failure carried by c, or nil.
func (c Chunk) Err() error {
	if c.FinishReason != FinishReasonError {
		return nil
	}
	return errors.New(c.Text)
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that occur
	// after the channel is opened are surfaced as a Chunk with FinishReason
	// FinishReasonError; the initial error return is non-nil only for failures
	// that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Name identifies the backend and model in logs and metrics,
	// e.g. "anthropic/claude-sonnet-4-5".
	Name() string
}

// Collect drains ch and returns the concatenated text. It stops at the first
// error chunk and returns the text received so far together with the error.
func Collect(ch <-chan Chunk) (string, error) {
	var sb strings.Builder
	for c := range ch {
		if err := c.Err(); err != nil {
			// Keep draining so the producer can exit.
			for range ch {
			}
			return sb.String(), err
		}
		sb.WriteString(c.Text)
	}
	return sb.String(), nil
}
