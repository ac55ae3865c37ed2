package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func fakeEmbedServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Vector derived from the prompt so callers can tell texts apart.
		vec := make([]float64, dims)
		for i := range vec {
			vec[i] = float64(len(req.Prompt)%7) + float64(i)
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
}

func TestEmbed(t *testing.T) {
	srv := fakeEmbedServer(t, 4)
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "nomic-embed-text"})
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("got %d dims, want 4", len(vec))
	}
}

func TestEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "missing"})
	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{float64(len(req.Prompt))}})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "m", BatchSize: 3})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vector %d = %v, want first dim %d", i, v, len(texts[i]))
		}
	}
	if got := calls.Load(); got != int64(len(texts)) {
		t.Errorf("server saw %d calls, want %d", got, len(texts))
	}
}

func TestEmbedBatch_PropagatesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "m"})
	if _, err := c.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when all calls fail")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	c := New(Config{Endpoint: "http://unused", Model: "m"})
	vecs, err := c.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("got %d vectors, want 0", len(vecs))
	}
}
