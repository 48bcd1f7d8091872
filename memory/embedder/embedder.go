// Package embedder turns text into unit-length dense vectors.
//
// An Engine frames the text for its Mode, tokenizes it, fits the encoding to
// a fixed length, runs the model through a Runner, mean-pools the valid
// positions and L2-normalizes the result. Runners live in subpackages so the
// pipeline itself builds without a native model runtime.
package embedder

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory/embedder/tokenizer"
)

// Runner executes one model forward pass over a fitted encoding.
// Implementations must be safe for concurrent use.
type Runner interface {
	Run(ids, mask []int64) (Hidden, error)
	Close() error
}

// Config configures an Engine.
type Config struct {
	// MaxLength is the fixed sequence length fed to the model.
	MaxLength int

	// Dimensions is the model hidden size and therefore the vector size.
	Dimensions int

	// QueryPrefix frames ModeQuery text; PassagePrefix frames everything else.
	QueryPrefix   string
	PassagePrefix string

	// MaxConcurrent caps in-flight forward passes.
	MaxConcurrent int
}

// DefaultConfig matches e5-small-v2.
var DefaultConfig = Config{
	MaxLength:     512,
	Dimensions:    384,
	QueryPrefix:   "query: ",
	PassagePrefix: "passage: ",
	MaxConcurrent: 4,
}

// Engine is the text-to-vector pipeline. The tokenizer and runner are shared
// read-only state; Embed may be called from many goroutines.
type Engine struct {
	tokenizer *tokenizer.Tokenizer
	runner    Runner
	config    Config
	sem       *semaphore.Weighted
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine. The engine takes ownership of runner.
func New(tok *tokenizer.Tokenizer, runner Runner, cfg Config, opts ...Option) (*Engine, error) {
	if tok == nil || runner == nil {
		return nil, recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "tokenizer and runner are required")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultConfig.MaxLength
	}
	if cfg.Dimensions <= 0 {
		return nil, recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "dimensions must be positive")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig.MaxConcurrent
	}

	e := &Engine{
		tokenizer: tok,
		runner:    runner,
		config:    cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "embedder")
	return e, nil
}

// Dimensions returns the embedding vector size.
func (e *Engine) Dimensions() int {
	return e.config.Dimensions
}

// MaxLength returns the fixed sequence length.
func (e *Engine) MaxLength() int {
	return e.config.MaxLength
}

// Prefix returns the framing prepended to text embedded in mode.
func (e *Engine) Prefix(mode core.Mode) string {
	if mode == core.ModeQuery {
		return e.config.QueryPrefix
	}
	return e.config.PassagePrefix
}

// Encode frames, tokenizes and fits text to MaxLength.
func (e *Engine) Encode(text string, mode core.Mode) (tokenizer.Encoding, error) {
	enc, err := e.tokenizer.Encode(e.Prefix(mode)+text, true)
	if err != nil {
		return tokenizer.Encoding{}, err
	}
	if enc.Len() > e.config.MaxLength {
		e.logger.Debug("truncating input", "tokens", enc.Len(), "max_length", e.config.MaxLength)
	}
	return enc.Fit(e.config.MaxLength), nil
}

type runResult struct {
	hidden Hidden
	err    error
}

// Embed converts text to a unit-length vector.
//
// A degenerate result (no valid positions, or a zero norm) is reported as an
// invalid embedding and never returned as a vector. Cancelling ctx abandons
// the forward pass without waiting for it.
func (e *Engine) Embed(ctx context.Context, text string, mode core.Mode) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, recallerr.New(recallerr.CodeEmbedderRequestInvalid, "text is required")
	}

	enc, err := e.Encode(text, mode)
	if err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	done := make(chan runResult, 1)
	go func() {
		defer e.sem.Release(1)
		h, err := e.runner.Run(enc.IDs, enc.Mask)
		done <- runResult{hidden: h, err: err}
	}()

	var res runResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		return nil, recallerr.Wrap(res.err, recallerr.CodeEmbedderModelInvalid, "model forward pass")
	}
	if res.hidden.Size != e.config.Dimensions {
		return nil, recallerr.New(recallerr.CodeEmbedderModelInvalid, "model hidden size does not match configured dimensions",
			recallerr.Field("hidden_size", res.hidden.Size),
			recallerr.Field("dimensions", e.config.Dimensions))
	}

	vec, ok := MeanPool(res.hidden, enc.Mask)
	if !ok {
		return nil, recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "no valid token positions to pool",
			recallerr.Field("mode", mode.String()))
	}
	if !Normalize(vec) {
		return nil, recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "pooled embedding has zero norm",
			recallerr.Field("mode", mode.String()))
	}
	return vec, nil
}

// Close releases the model runner.
func (e *Engine) Close() error {
	return e.runner.Close()
}
