// Package oracle implements engine.Oracle on hosted chat models.
//
// Each decision is a single stateless call: the model is given the system
// prompt and one user message and must return an object matching RouteTool
// or JudgeTool. Anthropic is driven with forced tool use; OpenAI with a JSON
// reply.
package oracle

import (
	"context"
	"log/slog"
	"strings"

	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string

	// BaseURL overrides the provider endpoint. Used for proxies and tests.
	BaseURL string

	MaxTokens int64
}

// DefaultMaxTokens bounds each decision.
const DefaultMaxTokens int64 = 1024

// Option configures a provider.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(provider string, opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "oracle", "provider", provider)
	return o
}

// New returns the oracle named by cfg.Provider.
func New(cfg Config, opts ...Option) (engine.Oracle, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic:
		return NewAnthropic(cfg, opts...)
	case ProviderOpenAI, "":
		return NewOpenAI(cfg, opts...)
	default:
		return nil, recallerr.Errorf(recallerr.CodeConfigValidateInvalidValue, "unknown oracle provider %q", cfg.Provider)
	}
}

func validate(cfg Config) error {
	if cfg.APIKey == "" {
		return recallerr.New(recallerr.CodeConfigValidateInvalidValue, "oracle: missing api key")
	}
	if cfg.Model == "" {
		return recallerr.New(recallerr.CodeConfigValidateInvalidValue, "oracle: missing model id")
	}
	return nil
}

func maxTokens(cfg Config) int64 {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return DefaultMaxTokens
}

// upstream reports a failed provider call. Cancellation is returned as is.
func upstream(ctx context.Context, err error, provider string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return recallerr.Wrapf(err, recallerr.CodeOracleUpstreamFailure, "%s request failed", provider)
}
