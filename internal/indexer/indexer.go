// Package indexer orchestrates the offline pipeline: enumerate source
// files, skip unchanged ones via the tracker, extract, chunk, embed, and
// upsert into the vector store.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbellec/ragproxy/internal/chunker"
	"github.com/mbellec/ragproxy/internal/config"
	"github.com/mbellec/ragproxy/internal/docload"
	"github.com/mbellec/ragproxy/internal/observability"
	"github.com/mbellec/ragproxy/internal/tracker"
	"github.com/mbellec/ragproxy/internal/vector"
)

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer drives one indexing run over the configured source directory.
type Indexer struct {
	cfg      *config.Config
	log      *slog.Logger
	embedder Embedder
	store    vector.Store
	chunker  *chunker.Chunker

	// load is docload.Load, swappable in tests.
	load func(path string) (string, error)
}

// New creates an Indexer.
func New(cfg *config.Config, log *slog.Logger, embedder Embedder, store vector.Store) *Indexer {
	return &Indexer{
		cfg:      cfg,
		log:      log,
		embedder: embedder,
		store:    store,
		chunker:  chunker.New(cfg.Indexing.ChunkSize),
		load:     docload.Load,
	}
}

// Run executes one pass over the source directory. Per-file failures are
// logged and skipped; an unreachable vector store aborts the run.
func (ix *Indexer) Run(ctx context.Context) error {
	ctx, span := observability.Start(ctx, "index.run")
	defer span.End()

	if err := ix.store.Ping(ctx); err != nil {
		return fmt.Errorf("vector store unreachable: %w", err)
	}
	if err := ix.ensureCollection(ctx); err != nil {
		return err
	}

	tr, err := tracker.Load(ix.cfg.Indexing.TrackerPath)
	if err != nil {
		return err
	}
	// Flush whatever progress was recorded, on every exit path.
	defer func() {
		if err := tr.Save(); err != nil {
			ix.log.Error("saving tracker", "error", err)
		}
	}()

	entries, err := os.ReadDir(ix.cfg.Indexing.SourcePath)
	if err != nil {
		return fmt.Errorf("reading source directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !docload.Supported(entry.Name()) {
			continue
		}
		ix.processFile(ctx, tr, entry.Name())
	}
	return nil
}

func (ix *Indexer) ensureCollection(ctx context.Context) error {
	exists, err := ix.store.CollectionExists(ctx)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if exists {
		return nil
	}
	ix.log.Info("creating collection", "collection", ix.cfg.Qdrant.Collection)
	if err := ix.store.CreateCollection(ctx); err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// processFile runs the per-file pipeline and records the outcome. All
// failures past this point are non-fatal for the run.
func (ix *Indexer) processFile(ctx context.Context, tr *tracker.Tracker, name string) {
	path := filepath.Join(ix.cfg.Indexing.SourcePath, name)

	raw, err := os.ReadFile(path)
	if err != nil {
		ix.log.Warn("reading file", "path", path, "error", err)
		return
	}
	hash := tracker.HashBytes(raw)
	if !tr.ShouldProcess(name, hash) {
		ix.log.Debug("unchanged, skipping", "path", path)
		return
	}

	start := time.Now()
	count, err := ix.indexFile(ctx, path, name)
	if err != nil {
		ix.log.Warn("indexing file failed", "path", path, "error", err)
		return
	}

	tr.RecordProcessed(name, hash)
	if err := tr.Save(); err != nil {
		ix.log.Error("saving tracker", "error", err)
	}
	ix.log.Info("indexed file",
		"path", path,
		"chunks", count,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func (ix *Indexer) indexFile(ctx context.Context, path, name string) (int, error) {
	ctx, span := observability.Start(ctx, "index.file",
		trace.WithAttributes(attribute.String("file.path", path)))
	defer span.End()

	text, err := ix.load(path)
	if err != nil {
		// A corrupt file degrades to "no content"; it stays eligible for
		// the upsert-free path below and the run continues.
		ix.log.Warn("extraction failed, file yields no content", "path", path, "error", err)
		text = ""
	}

	chunks := ix.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	records := make([]vector.Record, len(chunks))
	for i, ch := range chunks {
		records[i] = vector.Record{
			ID:     vector.PointID(ch.Text),
			Vector: vectors[i],
			Payload: vector.Payload{
				Source:     name,
				ChunkIndex: ch.Index,
				Text:       ch.Text,
			},
		}
	}
	if err := ix.store.Upsert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}
