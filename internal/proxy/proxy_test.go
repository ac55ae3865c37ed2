package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbellec/ragproxy/internal/config"
)

type stubRetriever struct {
	context string
	err     error
}

func (s stubRetriever) Context(context.Context, string) (string, error) {
	return s.context, s.err
}

type upstream struct {
	srv      *httptest.Server
	lastBody []byte
	lastAuth string
}

func newUpstream(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.lastBody, _ = io.ReadAll(r.Body)
		u.lastAuth = r.Header.Get("Authorization")
		respond(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func okCompletion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
}

func newServer(t *testing.T, llmEndpoint string, retr ContextRetriever, passthrough bool) *Server {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{Endpoint: "/v1/chat/completions", FingerprintLength: 255},
		LLM:   config.LLMConfig{Endpoint: llmEndpoint, APIKey: "sk-test"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log, retr, passthrough)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPassthrough_BodyForwardedVerbatim(t *testing.T) {
	up := newUpstream(t, okCompletion)
	s := newServer(t, up.srv.URL, nil, true)

	body := `{ "model":"m",  "messages":[{"role":"user","content":"hi"}], "stream": false }`
	rec := post(t, s.Handler(), body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if string(up.lastBody) != body {
		t.Errorf("upstream body mutated:\n got %s\nwant %s", up.lastBody, body)
	}
	if up.lastAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", up.lastAuth)
	}
}

func TestRAG_SplicesRetrievedContext(t *testing.T) {
	up := newUpstream(t, okCompletion)
	s := newServer(t, up.srv.URL, stubRetriever{context: "CTX"}, false)

	rec := post(t, s.Handler(), `{"model":"m","temperature":0.7,"foo":[1,2,3],"messages":[{"role":"system","content":"You are helpful."},{"role":"user","content":"question?"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var sent struct {
		Temperature float64 `json:"temperature"`
		Foo         []int   `json:"foo"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(up.lastBody, &sent); err != nil {
		t.Fatalf("upstream body does not parse: %v", err)
	}
	if sent.Messages[0].Content != "You are helpful.\n\nCTX" {
		t.Errorf("system content = %q", sent.Messages[0].Content)
	}
	for _, fragment := range []string{`"temperature":0.7`, `"foo":[1,2,3]`} {
		if !bytes.Contains(up.lastBody, []byte(fragment)) {
			t.Errorf("fragment %q not byte-preserved in upstream body", fragment)
		}
	}
}

func TestRAG_EmptyContextForwardsUnmodified(t *testing.T) {
	up := newUpstream(t, okCompletion)
	s := newServer(t, up.srv.URL, stubRetriever{context: ""}, false)

	body := `{"model":"m","messages":[{"role":"user","content":"q"}]}`
	post(t, s.Handler(), body)
	if string(up.lastBody) != body {
		t.Errorf("body mutated with empty context: %s", up.lastBody)
	}
}

func TestRAG_RetrieverFailureIs502(t *testing.T) {
	up := newUpstream(t, okCompletion)
	s := newServer(t, up.srv.URL, stubRetriever{err: errors.New("qdrant down")}, false)

	rec := post(t, s.Handler(), `{"messages":[{"role":"user","content":"q"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var errBody struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if errBody.Error.Type != "proxy_error" {
		t.Errorf("error type = %q", errBody.Error.Type)
	}
}

func TestOversizedBodyIs400(t *testing.T) {
	up := newUpstream(t, okCompletion)
	s := newServer(t, up.srv.URL, nil, true)

	big := `{"pad":"` + strings.Repeat("a", maxRequestBody) + `"}`
	rec := post(t, s.Handler(), big)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if up.lastBody != nil {
		t.Error("oversized body must not reach the upstream")
	}
}

func TestUpstreamUnreachableIs502(t *testing.T) {
	s := newServer(t, "http://127.0.0.1:1", nil, true)
	rec := post(t, s.Handler(), `{"messages":[]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestRelay_AddsUsageWhenAbsent(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","choices":[]}`)
	})
	s := newServer(t, up.srv.URL, nil, true)

	rec := post(t, s.Handler(), `{"messages":[]}`)
	var resp struct {
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response does not parse: %v\n%s", err, rec.Body)
	}
	if resp.Usage == nil {
		t.Fatalf("usage not injected: %s", rec.Body)
	}
}

func TestRelay_UpstreamErrorStatusPreserved(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})
	s := newServer(t, up.srv.URL, nil, true)

	rec := post(t, s.Handler(), `{"messages":[]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestRelay_StreamingPassedThroughVerbatim(t *testing.T) {
	chunks := "data: {\"choices\":[{\"delta\":{\"content\":\"h\"}}]}\n\ndata: [DONE]\n\n"
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, chunks)
	})
	s := newServer(t, up.srv.URL, nil, true)

	rec := post(t, s.Handler(), `{"messages":[],"stream":true}`)
	if rec.Body.String() != chunks {
		t.Errorf("streaming body altered:\n got %q\nwant %q", rec.Body.String(), chunks)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newServer(t, "http://unused", nil, true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestEnsureUsage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "absent",
			in:   `{"id":"x"}`,
			want: `{"id":"x","usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`,
		},
		{
			name: "present",
			in:   `{"id":"x","usage":{"total_tokens":3}}`,
			want: `{"id":"x","usage":{"total_tokens":3}}`,
		},
		{
			name: "empty object",
			in:   `{}`,
			want: `{"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`,
		},
		{
			name: "not json",
			in:   `plain text`,
			want: `plain text`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(ensureUsage([]byte(tt.in))); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUserQuestion(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "last message",
			body: `{"messages":[{"role":"system","content":"s"},{"role":"user","content":"the question"}]}`,
			want: "the question",
		},
		{
			name: "multimodal parts",
			body: `{"messages":[{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}`,
			want: "part one part two",
		},
		{
			name: "falls back to user message",
			body: `{"messages":[{"role":"user","content":"earlier"},{"role":"assistant","content":null}]}`,
			want: "earlier",
		},
		{
			name: "no messages",
			body: `{"messages":[]}`,
			want: "",
		},
		{
			name: "malformed",
			body: `{`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := userQuestion([]byte(tt.body)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
