// Package splice injects retrieved context into the system message of a
// raw chat completion request without disturbing any other byte of the
// body. Some clients are brittle to any re-serialization (key reordering,
// escaping drift), so the body is never round-tripped through a document
// model: a structural scan locates the exact byte span of the system
// message content, and the substitution happens on the original buffer.
package splice

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// Splicer performs span-level context injection on raw request bodies.
type Splicer struct {
	separator      string
	fingerprintLen int
	log            *slog.Logger
}

// Option configures a Splicer.
type Option func(*Splicer)

// WithSeparator sets the string inserted between the original system text
// and the appended context (default "\n\n").
func WithSeparator(sep string) Option {
	return func(s *Splicer) { s.separator = sep }
}

// New creates a Splicer. fingerprintLen is the tail length used by the
// fallback locator when the offset scan cannot run.
func New(fingerprintLen int, log *slog.Logger, opts ...Option) *Splicer {
	if fingerprintLen <= 0 {
		fingerprintLen = 255
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Splicer{separator: "\n\n", fingerprintLen: fingerprintLen, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Inject returns a request body whose system message carries the original
// text plus context. Every byte outside the replaced content span is
// unchanged. When the system message cannot be located the body is
// returned unmodified: a working forward beats a lost augmentation.
func (s *Splicer) Inject(body []byte, context string) []byte {
	if strings.TrimSpace(context) == "" {
		return body
	}

	res, err := scan(body)
	if err != nil {
		if out, ok := s.fingerprintSplice(body, context); ok {
			return out
		}
		s.log.Warn("system message not located, forwarding unmodified", "error", err)
		return body
	}

	if res.sys != nil {
		lit := encodeString(res.sysText + s.separator + context)
		out := make([]byte, 0, len(body)+len(lit))
		out = append(out, body[:res.sys.start]...)
		out = append(out, lit...)
		out = append(out, body[res.sys.end:]...)
		return out
	}

	if res.sysSeen {
		// A system message exists but its text has no locatable span
		// (object-valued content, or parts with no text part).
		// Synthesizing a second system message here would change the
		// request's meaning, so try the fingerprint locator and
		// otherwise leave the body alone.
		if out, ok := s.fingerprintSplice(body, context); ok {
			return out
		}
		s.log.Warn("system message text not located, forwarding unmodified")
		return body
	}

	if res.insertOff >= 0 {
		return insertSystemMessage(body, res.insertOff, context)
	}

	s.log.Warn("request has no messages array, forwarding unmodified")
	return body
}

// insertSystemMessage synthesizes a system message at the head of the
// messages array, leaving existing elements' bytes and order untouched.
func insertSystemMessage(body []byte, off int, context string) []byte {
	msg, _ := json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "system", Content: context})

	var b bytes.Buffer
	b.Grow(len(body) + len(msg) + 1)
	b.Write(body[:off])
	b.Write(msg)
	if next := firstNonSpace(body[off:]); next != ']' {
		b.WriteByte(',')
	}
	b.Write(body[off:])
	return b.Bytes()
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

// fingerprintSplice is the fallback locator, used when the offset scan
// fails or sees a system message without a locatable text span: take the
// last N characters of the system text, find that substring in the raw
// body, and append the context after it. Assumes (does not prove) the tail
// is unique within the body; operators size N to make collisions
// negligible.
func (s *Splicer) fingerprintSplice(body []byte, context string) ([]byte, bool) {
	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false
	}

	content := ""
	found := false
	for _, m := range req.Messages {
		if m.Role != "system" {
			continue
		}
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			content = text
			found = true
		}
	}
	if !found {
		return nil, false
	}

	tail := lastChars(content, s.fingerprintLen)
	escTail := escapeString(tail)
	idx := bytes.LastIndex(body, escTail)
	if idx < 0 {
		return nil, false
	}

	var b bytes.Buffer
	b.Grow(len(body) + len(context))
	b.Write(body[:idx+len(escTail)])
	b.Write(escapeString(s.separator + context))
	b.Write(body[idx+len(escTail):])
	return b.Bytes(), true
}

func lastChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// encodeString renders s as a JSON string literal, quotes included,
// without HTML escaping.
func encodeString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// escapeString renders s as JSON string content, without the surrounding
// quotes.
func escapeString(s string) []byte {
	lit := encodeString(s)
	return lit[1 : len(lit)-1]
}

// span is a half-open byte range within the original body, covering a JSON
// string literal including its quotes.
type span struct {
	start, end int
}

type scanResult struct {
	// sys is the content literal of the last system message, nil if none.
	sys     *span
	sysText string
	// sysSeen reports that a system-role message exists, even when its
	// text could not be located.
	sysSeen bool
	// insertOff is the offset just past '[' of the messages array, -1 if
	// the body has no messages array.
	insertOff int
}

// scan walks the body token by token, recording byte offsets as it goes.
// Only enough structure is parsed to find the system message content; the
// rest is skipped wholesale.
func scan(body []byte) (*scanResult, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	res := &scanResult{insertOff: -1}

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("body is not a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		if key != "messages" {
			if err := skipValue(dec); err != nil {
				return nil, err
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue // messages is a scalar; not spliceable
		}
		if d != '[' {
			if err := drainContainer(dec); err != nil {
				return nil, err
			}
			continue
		}

		res.insertOff = int(dec.InputOffset())
		for dec.More() {
			if err := scanMessage(dec, body, res); err != nil {
				return nil, err
			}
		}
		if _, err := dec.Token(); err != nil { // ']'
			return nil, err
		}
	}
	return res, nil
}

// scanMessage consumes one element of the messages array. The last system
// message wins, matching how downstream models resolve duplicates.
func scanMessage(dec *json.Decoder, body []byte, res *scanResult) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil // scalar element
	}
	if d != '{' {
		return drainContainer(dec)
	}

	role := ""
	var content *span
	contentText := ""

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		switch key {
		case "role":
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if s, ok := tok.(string); ok {
				role = s
			} else if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
				if err := drainContainer(dec); err != nil {
					return err
				}
			}
		case "content":
			before := dec.InputOffset()
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			switch v := tok.(type) {
			case string:
				content = stringSpan(body, before, dec.InputOffset())
				contentText = v
			case json.Delim:
				if v == '[' {
					content, contentText, err = scanParts(dec, body)
					if err != nil {
						return err
					}
				} else if err := drainContainer(dec); err != nil {
					return err
				}
			}
		default:
			if err := skipValue(dec); err != nil {
				return err
			}
		}
	}
	if _, err := dec.Token(); err != nil { // '}'
		return err
	}

	if role == "system" {
		res.sysSeen = true
		if content != nil {
			res.sys = content
			res.sysText = contentText
		}
	}
	return nil
}

// scanParts walks a multimodal content array and returns the span of the
// last text part, or nil if the content carries no text.
func scanParts(dec *json.Decoder, body []byte) (*span, string, error) {
	var last *span
	lastText := ""

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, "", err
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		if d != '{' {
			if err := drainContainer(dec); err != nil {
				return nil, "", err
			}
			continue
		}

		typ := ""
		var textSpan *span
		text := ""
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, "", err
			}
			key, _ := keyTok.(string)
			switch key {
			case "type":
				tok, err := dec.Token()
				if err != nil {
					return nil, "", err
				}
				if s, ok := tok.(string); ok {
					typ = s
				}
			case "text":
				before := dec.InputOffset()
				tok, err := dec.Token()
				if err != nil {
					return nil, "", err
				}
				if s, ok := tok.(string); ok {
					textSpan = stringSpan(body, before, dec.InputOffset())
					text = s
				}
			default:
				if err := skipValue(dec); err != nil {
					return nil, "", err
				}
			}
		}
		if _, err := dec.Token(); err != nil { // '}'
			return nil, "", err
		}
		if typ == "text" && textSpan != nil {
			last = textSpan
			lastText = text
		}
	}
	if _, err := dec.Token(); err != nil { // ']'
		return nil, "", err
	}
	return last, lastText, nil
}

// stringSpan locates the string literal decoded between the two offsets.
// Only whitespace, ':' and ',' can precede the opening quote, so the first
// '"' after before starts the literal; after is just past the closing quote.
func stringSpan(body []byte, before, after int64) *span {
	rel := bytes.IndexByte(body[before:after], '"')
	if rel < 0 {
		return nil
	}
	return &span{start: int(before) + rel, end: int(after)}
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		return drainContainer(dec)
	}
	return nil
}

func drainContainer(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			default:
				depth--
			}
		}
	}
	return nil
}
