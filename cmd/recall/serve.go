package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
	"github.com/becomeliminal/nim-recall/oracle"
	"github.com/becomeliminal/nim-recall/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent API",
		Long:  "Serve /text, /messages (GET lists, DELETE resets), /ws and /health, embedding through the embedding service and answering through the configured LLM.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, cmd.ErrOrStderr())

	client, err := remote.New(cfg.RemoteConfig())
	if err != nil {
		return err
	}
	var emb memory.Embedder = client
	if cfg.Embedding.CacheSize > 0 {
		cache, err := embedder.NewCache(client, cfg.Embedding.CacheSize)
		if err != nil {
			return err
		}
		defer cache.Close()
		emb = cache
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := memory.NewManager(store, emb, cfg.MemoryConfig(), memory.WithLogger(logger))

	orc, err := oracle.New(cfg.OracleConfig(), oracle.WithLogger(logger))
	if err != nil {
		return err
	}
	eng := engine.New(manager, orc, cfg.EngineConfig(), engine.WithLogger(logger))

	srv, err := server.New(cfg.ServerConfig(), server.WithLogger(logger))
	if err != nil {
		return err
	}
	srv.MountAgent(eng, manager)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Bootstrap(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		probeEmbeddingService(gctx, client, cfg.Embedding.Dimensions, logger)
		return nil
	})
	return g.Wait()
}

// probeEmbeddingService logs whether the embedding service is reachable and
// agrees on the vector size. Serving starts either way.
func probeEmbeddingService(ctx context.Context, client *remote.Client, dims int, logger *slog.Logger) {
	health, err := client.Health(ctx)
	switch {
	case err != nil:
		logger.Warn("embedding service unreachable", "error", err)
	case health.Dim != dims:
		logger.Warn("embedding service dimension differs from config", "service", health.Dim, "config", dims)
	default:
		logger.Info("embedding service ready", "model", health.Model, "dim", health.Dim, "max_length", health.MaxLength)
	}
}
