package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/sharedspace/internal/observe"
	"github.com/MrWong99/sharedspace/pkg/provider/llm"
)

// DefaultSystemPrompt frames the chat assistant when the request does not
// supply a system prompt.
const DefaultSystemPrompt = "You are a concise assistant that explains text embeddings, " +
	"embedding-space comparability and retrieval quality to developers. " +
	"When numbers from a comparability report are quoted, interpret them instead of repeating them."

// maxChatMessages bounds the conversation history accepted per request.
const maxChatMessages = 50

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	Messages []llm.Message `json:"messages"`
	System   string        `json:"system,omitempty"`
}

// validate checks roles and content of the conversation.
func (c chatRequest) validate() error {
	if len(c.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if len(c.Messages) > maxChatMessages {
		return fmt.Errorf("at most %d messages are allowed, got %d", maxChatMessages, len(c.Messages))
	}
	for i, m := range c.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return fmt.Errorf("messages[%d].role must be %q or %q, got %q", i, llm.RoleUser, llm.RoleAssistant, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("messages[%d].content must not be empty", i)
		}
	}
	return nil
}

// chunkEvent is the data payload of one streamed SSE message.
type chunkEvent struct {
	Text string `json:"text"`
}

// handleChat streams a chat completion as Server-Sent Events. Each text chunk
// is sent as `data: {"text": ...}` and the stream ends with `data: [DONE]`. A
// failure after the stream started is sent as an `error` event instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	var req chatRequest
	if status, err := decodeBody(w, r, &req); err != nil {
		writeError(w, status, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	system := req.System
	if system == "" {
		system = s.systemPrompt
	}

	start := time.Now()
	ch, err := s.chat.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     req.Messages,
		SystemPrompt: system,
	})
	if err != nil {
		log.Warn("chat: stream could not start", "err", err)
		writeError(w, http.StatusBadGateway, "chat provider unavailable")
		return
	}

	s.metrics.ActiveChatStreams.Add(ctx, 1)
	defer s.metrics.ActiveChatStreams.Add(ctx, -1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, rc: http.NewResponseController(w)}
	failed := false
	// Drain the channel even after a write error so the provider goroutine can
	// exit.
	for chunk := range ch {
		if failed {
			continue
		}
		if chunk.FinishReason == llm.FinishReasonError {
			log.Warn("chat: stream failed", "err", chunk.Text)
			sse.write("error", errorBody{Error: chunk.Text})
			failed = true
			continue
		}
		if chunk.Text != "" {
			sse.write("", chunkEvent{Text: chunk.Text})
		}
	}
	if !failed {
		sse.done()
	}

	s.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	if sse.err != nil {
		log.Debug("chat: client went away", "err", sse.err)
	}
}

// sseWriter writes Server-Sent Events and remembers the first write error.
type sseWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	err error
}

// done sends the terminal [DONE] marker.
func (s *sseWriter) done() {
	s.raw("data: [DONE]\n\n")
}

// write sends v as JSON. An empty event name sends a data-only message.
func (s *sseWriter) write(event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.err = err
		return
	}
	msg := "data: " + string(b) + "\n\n"
	if event != "" {
		msg = "event: " + event + "\n" + msg
	}
	s.raw(msg)
}

func (s *sseWriter) raw(msg string) {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprint(s.w, msg); err != nil {
		s.err = err
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.err = err
	}
}
