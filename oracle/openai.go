package oracle

import (
	"context"
	"log/slog"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/tools"
)

// OpenAI is an oracle on the Chat Completions API.
type OpenAI struct {
	client    openaisdk.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

var _ engine.Oracle = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI oracle.
func NewOpenAI(cfg Config, opts ...Option) (*OpenAI, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	o := buildOptions(ProviderOpenAI, opts)

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client:    openaisdk.NewClient(reqOpts...),
		model:     cfg.Model,
		maxTokens: maxTokens(cfg),
		logger:    o.logger,
	}, nil
}

// Route implements engine.Oracle.
func (p *OpenAI) Route(ctx context.Context, task string) (engine.Route, error) {
	raw, err := p.decide(ctx, RouteTool, RoutePrompt(task))
	if err != nil {
		return engine.Route{}, err
	}
	return DecodeRoute(raw)
}

// Judge implements engine.Oracle.
func (p *OpenAI) Judge(ctx context.Context, req engine.JudgeRequest) (engine.Verdict, error) {
	raw, err := p.decide(ctx, JudgeTool, JudgePrompt(req))
	if err != nil {
		return engine.Verdict{}, err
	}
	return DecodeVerdict(raw)
}

func (p *OpenAI) decide(ctx context.Context, def tools.Definition, prompt string) ([]byte, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(SystemPrompt),
			openaisdk.UserMessage(prompt + schemaInstruction(def)),
		},
		MaxCompletionTokens: param.NewOpt(p.maxTokens),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, upstream(ctx, err, ProviderOpenAI)
	}
	if len(resp.Choices) == 0 {
		return nil, recallerr.New(recallerr.CodeOracleResponseInvalid, "openai reply has no choices")
	}
	p.logger.Debug("decision", "tool", def.Name, "prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)

	raw, ok := extractJSON(resp.Choices[0].Message.Content)
	if !ok {
		return nil, recallerr.Errorf(recallerr.CodeOracleResponseInvalid, "openai reply for %s is not a JSON object", def.Name)
	}
	return raw, nil
}
