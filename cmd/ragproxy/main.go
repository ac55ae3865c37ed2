package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mbellec/ragproxy/internal/config"
	"github.com/mbellec/ragproxy/internal/embed"
	"github.com/mbellec/ragproxy/internal/indexer"
	"github.com/mbellec/ragproxy/internal/observability"
	"github.com/mbellec/ragproxy/internal/proxy"
	"github.com/mbellec/ragproxy/internal/retriever"
	"github.com/mbellec/ragproxy/internal/tracker"
	"github.com/mbellec/ragproxy/internal/vector/qdrant"
)

const version = "0.3.0"

func main() {
	_ = godotenv.Load()

	var (
		configPath  string
		watch       bool
		passthrough bool
	)

	rootCmd := &cobra.Command{
		Use:     "ragproxy",
		Short:   "Retrieval-augmented proxy for OpenAI-compatible chat completions",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/ragproxy.yaml", "Config file path")

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Index the document corpus into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), configPath, watch)
		},
	}
	indexCmd.Flags().BoolVar(&watch, "watch", false, "Keep running and re-index on file changes")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat completions proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, passthrough)
		},
	}
	serveCmd.Flags().BoolVar(&passthrough, "passthrough", false, "Forward requests without retrieval")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the vector collection and the file tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), configPath)
		},
	}

	rootCmd.AddCommand(indexCmd, serveCmd, resetCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger, and starts tracing. The
// returned shutdown func flushes spans and must run before exit.
func setup(ctx context.Context, configPath string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "ragproxy",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing tracing: %w", err)
	}
	shutdown := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}
	return cfg, log, shutdown, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newStore(cfg *config.Config) (*qdrant.Client, error) {
	return qdrant.New(qdrant.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
		VectorSize: cfg.Qdrant.VectorSize,
		Distance:   cfg.Qdrant.Distance,
	})
}

func runIndex(ctx context.Context, configPath string, watch bool) error {
	cfg, log, shutdown, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer shutdown()

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer store.Close()

	embedder := embed.New(embed.Config{
		Endpoint:   cfg.Embeddings.Endpoint,
		Model:      cfg.Embeddings.Model,
		BatchSize:  cfg.Indexing.EmbedBatchSize,
		RatePerSec: cfg.Indexing.EmbedRatePerSec,
	})

	ix := indexer.New(cfg, log, embedder, store)
	if watch {
		return ix.Watch(ctx)
	}
	return ix.Run(ctx)
}

func runServe(ctx context.Context, configPath string, passthrough bool) error {
	cfg, log, shutdown, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer shutdown()

	var retr proxy.ContextRetriever
	if !passthrough {
		store, err := newStore(cfg)
		if err != nil {
			return fmt.Errorf("connecting to qdrant: %w", err)
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("qdrant unreachable: %w", err)
		}

		embedder := embed.New(embed.Config{
			Endpoint: cfg.Embeddings.Endpoint,
			Model:    cfg.Embeddings.Model,
		})
		retr = retriever.New(embedder, store, cfg.Qdrant.TopK, cfg.Qdrant.ScoreThreshold)
	}

	srv := proxy.New(cfg, log, retr, passthrough)
	return srv.ListenAndServe(ctx)
}

func runReset(ctx context.Context, configPath string) error {
	cfg, log, shutdown, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer shutdown()

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer store.Close()

	if err := store.DeleteCollection(ctx); err != nil {
		return fmt.Errorf("deleting collection %q: %w", cfg.Qdrant.Collection, err)
	}
	log.Info("collection deleted", "collection", cfg.Qdrant.Collection)

	if err := tracker.Clear(cfg.Indexing.TrackerPath); err != nil {
		return fmt.Errorf("clearing tracker: %w", err)
	}
	log.Info("tracker cleared", "path", cfg.Indexing.TrackerPath)
	return nil
}
