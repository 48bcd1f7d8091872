//go:build !onnx

package main

import (
	"github.com/becomeliminal/nim-recall/config"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory/embedder"
)

func openRunner(*config.Config) (embedder.Runner, error) {
	return nil, recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "built without ONNX support; rebuild with -tags onnx")
}
