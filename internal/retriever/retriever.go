// Package retriever turns a natural-language query into retrieved context:
// embed the query, run a similarity search, join the matching chunks.
package retriever

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbellec/ragproxy/internal/observability"
	"github.com/mbellec/ragproxy/internal/vector"
)

// Embedder produces the embedding vector for a single text. It must use the
// same model and dimensionality as indexing; a mismatch is a configuration
// error, not handled here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the similarity-search slice of the vector store.
type Searcher interface {
	Search(ctx context.Context, vec []float32, limit int, threshold float32) ([]vector.SearchResult, error)
}

// Retriever performs top-K retrieval with a score threshold.
type Retriever struct {
	embedder  Embedder
	store     Searcher
	topK      int
	threshold float32
}

// New creates a Retriever.
func New(embedder Embedder, store Searcher, topK int, threshold float32) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{embedder: embedder, store: store, topK: topK, threshold: threshold}
}

// Retrieve returns the matches for query in descending score order. An
// empty result is not an error: it means nothing cleared the threshold.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]vector.SearchResult, error) {
	ctx, span := observability.Start(ctx, "retrieve",
		trace.WithAttributes(attribute.Int("retrieve.top_k", r.topK)))
	defer span.End()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	results, err := r.store.Search(ctx, vec, r.topK, r.threshold)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	span.SetAttributes(attribute.Int("retrieve.hits", len(results)))
	return results, nil
}

// Context retrieves matches for query and joins their texts into one
// context block. Returns "" when nothing matched.
func (r *Retriever) Context(ctx context.Context, query string) (string, error) {
	results, err := r.Retrieve(ctx, query)
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(results))
	for _, res := range results {
		if res.Payload.Text != "" {
			texts = append(texts, res.Payload.Text)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}
