package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	"github.com/MrWong99/sharedspace/pkg/provider/embeddings/ollama"
)

// mockEmbedServer starts a test HTTP server that handles /api/embed requests
// and returns canned embeddings. It verifies that the request model matches
// wantModel and stores the received inputs in *gotInput.
//
// responses must contain at least as many vectors as the maximum number of
// inputs expected across all calls to this server.
func mockEmbedServer(t *testing.T, wantModel string, responses [][]float32, gotInput *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: got %q, want /api/embed", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: got %q, want POST", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model: got %q, want %q", req.Model, wantModel)
		}
		if gotInput != nil {
			*gotInput = req.Input
		}

		// Return the first len(req.Input) responses.
		result := responses
		if len(result) > len(req.Input) {
			result = result[:len(req.Input)]
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"model":             wantModel,
			"embeddings":        result,
			"prompt_eval_count": 4 * len(req.Input),
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func docRequest(model string, texts ...string) embeddings.Request {
	return embeddings.Request{Model: model, Texts: texts, InputType: embeddings.InputDocument}
}

// TestEmbed_Batch verifies that Embed sends all texts in a single request
// and returns correctly ordered embedding vectors.
func TestEmbed_Batch(t *testing.T) {
	vecs := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
		{0.7, 0.8, 0.9},
	}
	srv := mockEmbedServer(t, "all-minilm", vecs, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Embed(context.Background(), docRequest("all-minilm", "text1", "text2", "text3"))
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got.Embeddings) != 3 {
		t.Fatalf("length: got %d, want 3", len(got.Embeddings))
	}
	for i, wantVec := range vecs {
		for j, wantVal := range wantVec {
			if got.Embeddings[i][j] != wantVal {
				t.Errorf("vec[%d][%d]: got %v, want %v", i, j, got.Embeddings[i][j], wantVal)
			}
		}
	}
	if got.TotalTokens != 12 {
		t.Errorf("TotalTokens: got %d, want 12", got.TotalTokens)
	}
}

// TestEmbed_TaskPrefixes verifies that known asymmetric models receive the
// prefix matching the input type.
func TestEmbed_TaskPrefixes(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		opts      []ollama.Option
		inputType embeddings.InputType
		want      string
	}{
		{name: "nomic document", model: "nomic-embed-text", inputType: embeddings.InputDocument, want: "search_document: hi"},
		{name: "nomic query", model: "nomic-embed-text:latest", inputType: embeddings.InputQuery, want: "search_query: hi"},
		{name: "mxbai document", model: "mxbai-embed-large", inputType: embeddings.InputDocument, want: "hi"},
		{name: "unknown model", model: "custom-embed", inputType: embeddings.InputQuery, want: "hi"},
		{
			name:      "override",
			model:     "nomic-embed-text",
			opts:      []ollama.Option{ollama.WithPrefixes(ollama.Prefixes{Query: "q: "})},
			inputType: embeddings.InputQuery,
			want:      "q: hi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var input []string
			srv := mockEmbedServer(t, tt.model, [][]float32{{1}}, &input)
			defer srv.Close()

			p, err := ollama.New(srv.URL, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Embed(context.Background(), embeddings.Request{
				Model:     tt.model,
				Texts:     []string{"hi"},
				InputType: tt.inputType,
			})
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if len(input) != 1 || input[0] != tt.want {
				t.Errorf("input = %q, want [%q]", input, tt.want)
			}
		})
	}
}

// TestEmbed_CountMismatch verifies that a response with fewer vectors than
// inputs is rejected.
func TestEmbed_CountMismatch(t *testing.T) {
	srv := mockEmbedServer(t, "all-minilm", [][]float32{{1}}, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), docRequest("all-minilm", "a", "b"))
	if err == nil {
		t.Fatal("expected error for count mismatch, got nil")
	}
}

func TestName(t *testing.T) {
	p, err := ollama.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Name(); got != "ollama" {
		t.Errorf("Name(): got %q, want %q", got, "ollama")
	}
}

// TestEmbed_ServerDown verifies that an unreachable server returns an error
// rather than blocking indefinitely.
func TestEmbed_ServerDown(t *testing.T) {
	p, err := ollama.New("http://127.0.0.1:19999", ollama.WithTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), docRequest("all-minilm", "hello"))
	if err == nil {
		t.Fatal("expected error for unreachable server, got nil")
	}
}

// TestEmbed_BadResponse verifies that a non-200 HTTP status becomes an
// *embeddings.APIError.
func TestEmbed_BadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := ollama.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), docRequest("missing", "hello"))
	var apiErr *embeddings.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *embeddings.APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "model not found" {
		t.Errorf("APIError = %+v, want 404 %q", apiErr, "model not found")
	}
}

// TestEmbed_MalformedJSON verifies that an unparseable response body is
// treated as an error.
func TestEmbed_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	p, err := ollama.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), docRequest("all-minilm", "hello"))
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// TestEmbed_ContextCancelled verifies that Embed respects context cancellation
// and returns an error promptly when the context deadline is exceeded.
func TestEmbed_ContextCancelled(t *testing.T) {
	// stopCh signals the handler to return so httptest.Server.Close() doesn't
	// block waiting for a hung goroutine.
	stopCh := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stopCh:
		}
	}))
	// Defers run LIFO: close(stopCh) fires first.
	defer srv.Close()
	defer close(stopCh)

	p, err := ollama.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = p.Embed(ctx, docRequest("all-minilm", "hello"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
