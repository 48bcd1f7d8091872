package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
)

func newServer(t *testing.T, handler http.HandlerFunc) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := remote.New(remote.Config{URL: srv.URL + "/", Dimensions: 2})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestEmbed_RoutesByMode(t *testing.T) {
	var paths []string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["text"])

		writeJSON(w, http.StatusOK, remote.EmbedResponse{Dim: 2, Vector: []float32{0.6, 0.8}})
	})

	ctx := context.Background()
	vec, err := c.Embed(ctx, "hello", core.ModeQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)

	_, err = c.Embed(ctx, "hello", core.ModeDocument)
	require.NoError(t, err)
	_, err = c.Embed(ctx, "hello", core.ModePassage)
	require.NoError(t, err)

	assert.Equal(t, []string{"/embed-search", "/embed-doc", "/embed-doc"}, paths)
}

func TestEmbed_RejectsDegenerateVectors(t *testing.T) {
	tests := []struct {
		name  string
		resp  remote.EmbedResponse
		check func(error) bool
	}{
		{"empty", remote.EmbedResponse{Dim: 0, Vector: nil}, recallerr.IsInvalidEmbedding},
		{"zero", remote.EmbedResponse{Dim: 2, Vector: []float32{0, 0}}, recallerr.IsInvalidEmbedding},
		{"not normalized", remote.EmbedResponse{Dim: 2, Vector: []float32{3, 4}}, recallerr.IsInvalidEmbedding},
		{"dim disagrees", remote.EmbedResponse{Dim: 3, Vector: []float32{0.6, 0.8}}, recallerr.IsInvalidEmbedding},
		{"wrong size", remote.EmbedResponse{Dim: 3, Vector: []float32{1, 0, 0}}, func(err error) bool {
			return recallerr.HasCode(err, recallerr.CodeEmbedderModelInvalid)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.resp)
			})

			vec, err := c.Embed(context.Background(), "hello", core.ModeQuery)
			require.Error(t, err)
			assert.Nil(t, vec)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestEmbed_MapsServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]string
		check  func(error) bool
	}{
		{"bad request", http.StatusBadRequest, map[string]string{"error": "text is required"}, recallerr.IsInvalidInput},
		{"invalid embedding", http.StatusInternalServerError,
			map[string]string{"error": "zero norm", "code": string(recallerr.CodeEmbedderInvalidEmbedding)}, recallerr.IsInvalidEmbedding},
		{"server failure", http.StatusServiceUnavailable, nil, recallerr.IsUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.Embed(context.Background(), "hello", core.ModeDocument)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestEmbed_EmptyTextNeverLeavesProcess(t *testing.T) {
	called := false
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.Embed(context.Background(), " ", core.ModeQuery)
	require.Error(t, err)
	assert.True(t, recallerr.IsInvalidInput(err))
	assert.False(t, called)
}

func TestEmbed_HonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Embed(ctx, "hello", core.ModeQuery)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmbed_UnreachableService(t *testing.T) {
	c, err := remote.New(remote.Config{URL: "http://127.0.0.1:1", Dimensions: 2, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello", core.ModeQuery)
	require.Error(t, err)
	assert.True(t, recallerr.IsUpstreamFailure(err))
}

func TestHealth(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, remote.Health{OK: true, Model: "e5-small-v2", Dim: 2, MaxLength: 512})
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK)
	assert.Equal(t, 2, h.Dim)
}

func TestNew_Validates(t *testing.T) {
	_, err := remote.New(remote.Config{Dimensions: 2})
	assert.True(t, recallerr.IsInvalidInput(err))

	_, err = remote.New(remote.Config{URL: "http://localhost"})
	assert.True(t, recallerr.IsInvalidInput(err))
}
