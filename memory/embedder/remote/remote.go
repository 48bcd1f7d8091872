// Package remote embeds text through the embedding service's HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
)

// NormTolerance is how far a returned vector's norm may drift from 1.
const NormTolerance = 1e-3

// Config configures the client.
type Config struct {
	// URL is the service base URL, e.g. http://localhost:8081.
	URL string

	// Dimensions is the vector size the service is expected to return.
	Dimensions int

	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
}

// Client is a memory.Embedder backed by the embedding service.
type Client struct {
	base       string
	dimensions int
	http       *http.Client
}

var _ memory.Embedder = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, recallerr.New(recallerr.CodeConfigValidateInvalidValue, "embedding service url is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, recallerr.New(recallerr.CodeConfigValidateInvalidValue, "dimensions must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		base:       strings.TrimRight(cfg.URL, "/"),
		dimensions: cfg.Dimensions,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EmbedResponse is the service's reply to an embed request.
type EmbedResponse struct {
	Dim    int       `json:"dim"`
	Vector []float32 `json:"vector"`
}

// Health is the service's health report.
type Health struct {
	OK        bool   `json:"ok"`
	Model     string `json:"model"`
	Dim       int    `json:"dim"`
	MaxLength int    `json:"max_length"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Dimensions returns the expected vector size.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed posts text to /embed-search for queries and /embed-doc otherwise,
// then checks the vector before handing it out.
func (c *Client) Embed(ctx context.Context, text string, mode core.Mode) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, recallerr.New(recallerr.CodeEmbedderRequestInvalid, "text is required")
	}

	path := "/embed-doc"
	if mode == core.ModeQuery {
		path = "/embed-search"
	}

	var resp EmbedResponse
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}

	if err := c.validate(resp); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

// Health queries /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) validate(resp EmbedResponse) error {
	if len(resp.Vector) == 0 {
		return recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "service returned an empty vector")
	}
	if resp.Dim != 0 && resp.Dim != len(resp.Vector) {
		return recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "declared dim does not match vector length",
			recallerr.Field("dim", resp.Dim), recallerr.Field("length", len(resp.Vector)))
	}
	if len(resp.Vector) != c.dimensions {
		return recallerr.New(recallerr.CodeEmbedderModelInvalid, "service vector size does not match configured dimensions",
			recallerr.Field("length", len(resp.Vector)), recallerr.Field("dimensions", c.dimensions))
	}
	if norm := embedder.Norm(resp.Vector); math.Abs(norm-1) > NormTolerance || math.IsNaN(norm) {
		return recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "service returned a non-unit vector",
			recallerr.Field("norm", norm))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return recallerr.Wrap(err, recallerr.CodeEmbedderRequestInvalid, "encoding request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return recallerr.Wrap(err, recallerr.CodeEmbedderRequestInvalid, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return recallerr.Wrap(err, recallerr.CodeEmbedderUpstreamFailure, "calling embedding service",
			recallerr.Field("path", path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return statusError(resp.StatusCode, e, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return recallerr.Wrap(err, recallerr.CodeEmbedderUpstreamFailure, "decoding embedding service response",
			recallerr.Field("path", path))
	}
	return nil
}

func statusError(status int, e errorResponse, path string) error {
	msg := e.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	fields := []recallerr.Attr{recallerr.Field("status", status), recallerr.Field("path", path)}

	switch {
	case e.Code == string(recallerr.CodeEmbedderInvalidEmbedding):
		return recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, msg, fields...)
	case e.Code == string(recallerr.CodeTokenizerEncodeInvalid):
		return recallerr.New(recallerr.CodeTokenizerEncodeInvalid, msg, fields...)
	case status >= 400 && status < 500:
		return recallerr.New(recallerr.CodeEmbedderRequestInvalid, msg, fields...)
	default:
		return recallerr.New(recallerr.CodeEmbedderUpstreamFailure, msg, fields...)
	}
}
