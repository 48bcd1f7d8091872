package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/qdrant"
)

// NewRootCmd creates the root recall command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recall",
		Short:         "Grounded personal memory agent",
		Long:          "recall stores what you tell it in a vector store and answers questions from what it stored.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().StringSlice("env-file", nil, "dotenv files to load (default ./.env if present)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newEmbedServerCmd(),
		newServeCmd(),
		newCollectionCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	return config.Load(path, envFiles...)
}

func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore opens the configured vector store backend.
func openStore(cfg *config.Config, logger *slog.Logger) (memory.Store, error) {
	if cfg.Store.Backend == config.BackendChromem {
		store, err := chromem.New(cfg.ChromemStoreConfig(), chromem.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := qdrant.New(cfg.QdrantStoreConfig(), qdrant.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return store, nil
}
