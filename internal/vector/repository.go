// Package vector defines the records stored in the vector database and the
// repository contract its clients implement.
package vector

import (
	"context"
	"crypto/md5"

	"github.com/google/uuid"
)

// Record is one embedded chunk ready for upsert.
type Record struct {
	// ID is a content-addressed identifier: a pure function of the chunk
	// text, so re-indexing identical content overwrites instead of
	// duplicating.
	ID      string
	Vector  []float32
	Payload Payload
}

// Payload is the metadata stored alongside a vector.
type Payload struct {
	Source     string
	ChunkIndex int
	Text       string
}

// SearchResult is a single match from a similarity search.
type SearchResult struct {
	ID      string
	Score   float32
	Payload Payload
}

// Store provides vector storage with collection lifecycle and similarity
// search. Implementations do not retry; retry policy belongs to callers.
type Store interface {
	// Ping checks connectivity to the store.
	Ping(ctx context.Context) error
	// CollectionExists reports whether the configured collection exists.
	CollectionExists(ctx context.Context) (bool, error)
	// CreateCollection creates the configured collection with the
	// configured vector size and distance metric.
	CreateCollection(ctx context.Context) error
	// Upsert inserts or overwrites records, idempotent by ID.
	Upsert(ctx context.Context, records []Record) error
	// Search returns up to limit matches at or above threshold, ordered by
	// descending similarity score.
	Search(ctx context.Context, vec []float32, limit int, threshold float32) ([]SearchResult, error)
	// DeleteCollection drops the configured collection.
	DeleteCollection(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// PointID derives the store identifier for a chunk from its text: the MD5
// digest rendered as a UUID, which the store accepts as a primary key.
func PointID(text string) string {
	return uuid.UUID(md5.Sum([]byte(text))).String()
}
