package embedder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
)

func TestCache_ServesRepeatedEmbeddings(t *testing.T) {
	inner := mock.New(16)
	c, err := embedder.NewCache(inner, 128)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "where did I park", core.ModeQuery)
	require.NoError(t, err)
	c.Wait()

	second, err := c.Embed(ctx, "where did I park", core.ModeQuery)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.Calls())
	assert.Equal(t, 16, c.Dimensions())
}

func TestCache_KeysByMode(t *testing.T) {
	inner := mock.New(16)
	c, err := embedder.NewCache(inner, 128)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, err = c.Embed(ctx, "same text", core.ModeQuery)
	require.NoError(t, err)
	c.Wait()
	_, err = c.Embed(ctx, "same text", core.ModeDocument)
	require.NoError(t, err)

	assert.Equal(t, int64(2), inner.Calls())
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, err := embedder.NewCache(mock.New(8), 128)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "hello", core.ModeQuery)
	require.NoError(t, err)
	c.Wait()

	first[0] = 42
	second, err := c.Embed(ctx, "hello", core.ModeQuery)
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), second[0])
}

func TestCache_DoesNotCacheErrors(t *testing.T) {
	inner := mock.New(8)
	c, err := embedder.NewCache(inner, 128)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "", core.ModeQuery)
	require.Error(t, err)
	c.Wait()
	_, err = c.Embed(context.Background(), "", core.ModeQuery)
	require.Error(t, err)
	assert.Equal(t, int64(0), inner.Calls())
}
