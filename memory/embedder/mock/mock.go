// Package mock provides a deterministic embedder for tests and local runs
// without a model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory/embedder"
)

// Embedder generates unit vectors from a hash of the text.
// The same text yields the same vector in every mode.
type Embedder struct {
	dimensions int
	calls      atomic.Int64
}

// New creates a mock embedder. Non-positive dimensions default to 384.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string, _ core.Mode) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, recallerr.New(recallerr.CodeEmbedderRequestInvalid, "text is required")
	}
	m.calls.Add(1)

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		// LCG step mapped into [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	embedder.Normalize(vec)
	return vec, nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Calls returns how many embeddings were computed.
func (m *Embedder) Calls() int64 {
	return m.calls.Load()
}
