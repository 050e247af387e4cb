package voyage_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings/voyage"
)

type capturedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	InputType  string   `json:"input_type"`
	Truncation *bool    `json:"truncation"`
}

// mockVoyageServer starts a test HTTP server that answers POST /embeddings by
// returning a vector [len(text), index] for every input, in reversed order so
// that index handling is exercised. Every decoded request is sent on reqs.
func mockVoyageServer(t *testing.T, reqs chan<- capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: got %q, want /embeddings", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization: got %q, want %q", got, "Bearer test-key")
		}

		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if reqs != nil {
			reqs <- req
		}

		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]datum, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, datum{
				Embedding: []float32{float32(len(req.Input[i])), float32(i)},
				Index:     i,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"total_tokens": 10 * len(req.Input)},
		})
	}))
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := voyage.New(""); err == nil {
		t.Fatal("expected error for empty API key, got nil")
	}
}

func TestName(t *testing.T) {
	p, err := voyage.New("k")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "voyage" {
		t.Errorf("Name() = %q, want %q", p.Name(), "voyage")
	}
}

func TestEmbed_SendsModelAndInputType(t *testing.T) {
	reqs := make(chan capturedRequest, 1)
	srv := mockVoyageServer(t, reqs)
	defer srv.Close()

	p, err := voyage.New("test-key", voyage.WithBaseURL(srv.URL+"/"), voyage.WithTruncation(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Embed(context.Background(), embeddings.Request{
		Model:     "voyage-4-lite",
		Texts:     []string{"a", "bb", "ccc"},
		InputType: embeddings.InputQuery,
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	got := <-reqs
	if got.Model != "voyage-4-lite" {
		t.Errorf("model = %q, want voyage-4-lite", got.Model)
	}
	if got.InputType != "query" {
		t.Errorf("input_type = %q, want query", got.InputType)
	}
	if got.Truncation == nil || *got.Truncation {
		t.Errorf("truncation = %v, want false", got.Truncation)
	}

	if len(resp.Embeddings) != 3 {
		t.Fatalf("embeddings = %d, want 3", len(resp.Embeddings))
	}
	for i, v := range resp.Embeddings {
		if int(v[0]) != i+1 || int(v[1]) != i {
			t.Errorf("embeddings[%d] = %v, want [%d %d]", i, v, i+1, i)
		}
	}
	if resp.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", resp.TotalTokens)
	}
}

func TestEmbed_SplitsLargeBatches(t *testing.T) {
	reqs := make(chan capturedRequest, 8)
	srv := mockVoyageServer(t, reqs)
	defer srv.Close()

	p, err := voyage.New("test-key", voyage.WithBaseURL(srv.URL), voyage.WithMaxBatchSize(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	resp, err := p.Embed(context.Background(), embeddings.Request{
		Model:     "voyage-4",
		Texts:     texts,
		InputType: embeddings.InputDocument,
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	close(reqs)

	var sizes []int
	for r := range reqs {
		sizes = append(sizes, len(r.Input))
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}

	for i, v := range resp.Embeddings {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("embeddings[%d][0] = %v, want %d", i, v[0], len(texts[i]))
		}
	}
	if resp.TotalTokens != 50 {
		t.Errorf("TotalTokens = %d, want 50", resp.TotalTokens)
	}
}

func TestEmbed_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail":"rate limit exceeded"}`))
	}))
	defer srv.Close()

	p, err := voyage.New("test-key", voyage.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Embed(context.Background(), embeddings.Request{
		Model:     "voyage-4",
		Texts:     []string{"x"},
		InputType: embeddings.InputDocument,
	})
	var apiErr *embeddings.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *embeddings.APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", apiErr.StatusCode)
	}
	if apiErr.Message != "rate limit exceeded" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "rate limit exceeded")
	}
	if !apiErr.Temporary() {
		t.Error("Temporary() = false, want true for 429")
	}
}

func TestEmbed_InvalidRequestSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p, err := voyage.New("test-key", voyage.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		req  embeddings.Request
	}{
		{name: "no model", req: embeddings.Request{Texts: []string{"x"}, InputType: embeddings.InputQuery}},
		{name: "no texts", req: embeddings.Request{Model: "m", InputType: embeddings.InputQuery}},
		{name: "no input type", req: embeddings.Request{Model: "m", Texts: []string{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Embed(context.Background(), tt.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server hit %d times, want 0", n)
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p, err := voyage.New("test-key", voyage.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Embed(ctx, embeddings.Request{
		Model:     "voyage-4",
		Texts:     []string{"x"},
		InputType: embeddings.InputDocument,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
