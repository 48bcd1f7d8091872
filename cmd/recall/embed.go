package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/tokenizer"
	"github.com/becomeliminal/nim-recall/server"
)

func newEmbedServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed-server",
		Short: "Run the embedding service",
		Long:  "Load the tokenizer and ONNX model once and serve /embed, /embed-doc, /embed-search and /health. Requires a build with -tags onnx.",
		RunE:  runEmbedServer,
	}
}

func runEmbedServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, cmd.ErrOrStderr())

	if cfg.Embedding.TokenizerPath == "" || cfg.Embedding.ModelPath == "" {
		return recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "embedding.tokenizer_path and embedding.model_path are required")
	}

	tok, err := tokenizer.Load(cfg.Embedding.TokenizerPath)
	if err != nil {
		return err
	}
	runner, err := openRunner(cfg)
	if err != nil {
		return err
	}

	eng, err := embedder.New(tok, runner, cfg.EmbedderConfig(), embedder.WithLogger(logger))
	if err != nil {
		_ = runner.Close()
		return err
	}
	defer eng.Close()
	logger.Info("model loaded", "model", cfg.Embedding.ModelName, "dim", eng.Dimensions(), "max_length", eng.MaxLength())

	var emb memory.Embedder = eng
	if cfg.Embedding.CacheSize > 0 {
		cache, err := embedder.NewCache(eng, cfg.Embedding.CacheSize)
		if err != nil {
			return err
		}
		defer cache.Close()
		emb = cache
	}

	srv, err := server.New(cfg.ServerConfig(), server.WithLogger(logger))
	if err != nil {
		return err
	}
	srv.MountEmbedding(emb, server.ModelInfo{Name: cfg.Embedding.ModelName, MaxLength: eng.MaxLength()})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}
