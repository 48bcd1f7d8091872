package memory

import (
	"context"

	"github.com/becomeliminal/nim-recall/core"
)

// Embedder converts text to unit-length vectors.
// Implementations: embedder.Engine (ONNX), remote.Client (embedding service),
// mock.Embedder (testing), embedder.Cache (wraps any of them).
type Embedder interface {
	// Embed converts text to a vector framed for mode.
	Embed(ctx context.Context, text string, mode core.Mode) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// Store is the vector storage backend for one named collection.
// Implementations: qdrant.Store (remote), chromem.Store (embedded).
type Store interface {
	// EnsureCollection creates the collection with size and cosine distance
	// unless it already exists. It is safe to call before every operation.
	EnsureCollection(ctx context.Context, size int) error

	// Describe returns the collection descriptor and whether it exists.
	Describe(ctx context.Context) (core.Collection, bool, error)

	// Upsert inserts rec as a new point, assigning its ID and CreatedAt.
	Upsert(ctx context.Context, rec *core.Record) error

	// Search returns hits ordered by similarity, highest first.
	Search(ctx context.Context, req core.SearchRequest) ([]core.Hit, error)

	// Scroll lists up to limit records in no particular order.
	Scroll(ctx context.Context, limit int) ([]core.Record, error)

	// DeleteCollection removes the collection, reporting whether it existed.
	DeleteCollection(ctx context.Context) (bool, error)

	// Close releases resources.
	Close() error
}
