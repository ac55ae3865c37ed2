package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxRequestBody caps the incoming request size; larger bodies are
// rejected rather than truncated.
const maxRequestBody = 16 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	if !s.passthrough {
		body = s.augment(w, r, body)
		if body == nil {
			return // augment already wrote the error response
		}
	}

	resp, err := s.forwarder.Forward(r.Context(), body)
	if err != nil {
		s.log.Error("upstream call failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	s.relay(w, resp)
}

// augment retrieves context for the request's question and splices it into
// the body. Returns nil after writing an error response.
func (s *Server) augment(w http.ResponseWriter, r *http.Request, body []byte) []byte {
	question := userQuestion(body)
	if question == "" {
		return body
	}

	context, err := s.retriever.Context(r.Context(), question)
	if err != nil {
		s.log.Error("retrieval failed", "error", err)
		writeError(w, http.StatusBadGateway, "retrieval failed: "+err.Error())
		return nil
	}
	if context == "" {
		return body
	}
	return s.splicer.Inject(body, context)
}

// relay copies the upstream response back to the client. Streaming bodies
// are piped through with flushes; non-streaming JSON gets a usage object
// if the upstream omitted one, for clients that require it.
func (s *Server) relay(w http.ResponseWriter, resp *http.Response) {
	streaming := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	for k, vals := range resp.Header {
		if k == "Content-Length" && !streaming {
			continue // the body may change size below
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}

	if streaming {
		w.WriteHeader(resp.StatusCode)
		flushCopy(w, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.Error("reading upstream response", "error", err)
		writeError(w, http.StatusBadGateway, "reading upstream response: "+err.Error())
		return
	}
	if resp.StatusCode == http.StatusOK {
		body = ensureUsage(body)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func flushCopy(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// ensureUsage appends a zeroed usage object to a JSON object response that
// lacks one, touching no other byte of the payload.
func ensureUsage(body []byte) []byte {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return body
	}
	if _, ok := probe["usage"]; ok {
		return body
	}
	i := bytes.LastIndexByte(body, '}')
	if i < 0 {
		return body
	}

	usage := `"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`
	var b bytes.Buffer
	b.Grow(len(body) + len(usage) + 1)
	b.Write(body[:i])
	if len(probe) > 0 {
		b.WriteByte(',')
	}
	b.WriteString(usage)
	b.Write(body[i:])
	return b.Bytes()
}

// userQuestion extracts the text to retrieve against: the last message's
// content, or failing that the last user message. Multimodal content
// contributes its text parts joined by spaces.
func userQuestion(body []byte) string {
	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Messages) == 0 {
		return ""
	}

	if text := contentText(req.Messages[len(req.Messages)-1].Content); text != "" {
		return text
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			if text := contentText(req.Messages[i].Content); text != "" {
				return text
			}
		}
	}
	return ""
}

func contentText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// writeError emits the structured JSON error body used for all
// proxy-level failures.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "proxy_error",
		},
	})
}
