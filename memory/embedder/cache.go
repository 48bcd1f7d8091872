package embedder

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Cache memoizes embeddings by mode and text. Only successful vectors are cached.
type Cache struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

var _ memory.Embedder = (*Cache)(nil)

// NewCache wraps next with a cache of up to maxEntries vectors.
func NewCache(next memory.Embedder, maxEntries int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{next: next, cache: c}, nil
}

// Embed returns a cached vector or computes and caches a new one.
func (c *Cache) Embed(ctx context.Context, text string, mode core.Mode) ([]float32, error) {
	key := mode.String() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return clone(v.([]float32)), nil
	}

	vec, err := c.next.Embed(ctx, text, mode)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, clone(vec), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (c *Cache) Dimensions() int {
	return c.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
