//go:build onnx

package main

import (
	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/onnx"
)

func openRunner(cfg *config.Config) (embedder.Runner, error) {
	return onnx.New(onnx.Config{
		ModelPath:      cfg.Embedding.ModelPath,
		LibraryPath:    cfg.Embedding.LibraryPath,
		IntraOpThreads: cfg.Embedding.Threads,
	})
}
