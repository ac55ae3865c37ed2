// Package chunker splits extracted text into size-bounded fragments for
// independent embedding. Splitting is deterministic: identical input and
// configuration always produce identical chunk boundaries, which the
// content-addressed point identifier scheme depends on.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Chunk is a bounded text fragment with its position in the source document.
type Chunk struct {
	Index int
	Text  string
}

// Chunker accumulates sentence-shaped segments into chunks of at most
// size characters, hard-cutting segments that exceed the bound on their own.
type Chunker struct {
	size     int
	sentence *regexp.Regexp
}

const defaultChunkSize = 512

// New creates a Chunker with the given maximum chunk size in characters.
func New(size int) *Chunker {
	if size <= 0 {
		size = defaultChunkSize
	}
	return &Chunker{
		size:     size,
		sentence: regexp.MustCompile(`[^.!?\n]+[.!?\n]+[)"']?\s*`),
	}
}

// Split breaks text into ordered chunks. Empty or whitespace-only input
// yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: s})
	}

	var cur strings.Builder
	count := 0
	flush := func() {
		add(cur.String())
		cur.Reset()
		count = 0
	}

	for _, seg := range c.segments(text) {
		n := utf8.RuneCountInString(seg)
		if n > c.size {
			flush()
			for _, piece := range hardCut(seg, c.size) {
				add(piece)
			}
			continue
		}
		if count+n > c.size && count > 0 {
			flush()
		}
		cur.WriteString(seg)
		count += n
	}
	flush()
	return chunks
}

// segments splits text at sentence-ish boundaries; the tail after the last
// terminator becomes its own segment.
func (c *Chunker) segments(text string) []string {
	locs := c.sentence.FindAllStringIndex(text, -1)
	var segs []string
	last := 0
	for _, loc := range locs {
		if loc[0] > last {
			segs = append(segs, text[last:loc[0]])
		}
		segs = append(segs, text[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, text[last:])
	}
	return segs
}

func hardCut(s string, size int) []string {
	r := []rune(strings.TrimSpace(s))
	var parts []string
	for len(r) > size {
		parts = append(parts, string(r[:size]))
		r = r[size:]
	}
	if len(r) > 0 {
		parts = append(parts, string(r))
	}
	return parts
}
