package oracle

import (
	"context"
	"log/slog"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/tools"
)

// Anthropic is an oracle on the Claude Messages API.
type Anthropic struct {
	client    anthropicsdk.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

var _ engine.Oracle = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic oracle.
func NewAnthropic(cfg Config, opts ...Option) (*Anthropic, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	o := buildOptions(ProviderAnthropic, opts)

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:    anthropicsdk.NewClient(reqOpts...),
		model:     cfg.Model,
		maxTokens: maxTokens(cfg),
		logger:    o.logger,
	}, nil
}

// Route implements engine.Oracle.
func (a *Anthropic) Route(ctx context.Context, task string) (engine.Route, error) {
	raw, err := a.decide(ctx, RouteTool, RoutePrompt(task))
	if err != nil {
		return engine.Route{}, err
	}
	return DecodeRoute(raw)
}

// Judge implements engine.Oracle.
func (a *Anthropic) Judge(ctx context.Context, req engine.JudgeRequest) (engine.Verdict, error) {
	raw, err := a.decide(ctx, JudgeTool, JudgePrompt(req))
	if err != nil {
		return engine.Verdict{}, err
	}
	return DecodeVerdict(raw)
}

// decide forces a call of def and returns its input.
func (a *Anthropic) decide(ctx context.Context, def tools.Definition, prompt string) ([]byte, error) {
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: a.maxTokens,
		System: []anthropicsdk.TextBlockParam{
			{Text: SystemPrompt},
		},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
		Tools: []anthropicsdk.ToolUnionParam{toolParam(def)},
		ToolChoice: anthropicsdk.ToolChoiceUnionParam{
			OfTool: &anthropicsdk.ToolChoiceToolParam{Name: def.Name},
		},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, upstream(ctx, err, ProviderAnthropic)
	}
	a.logger.Debug("decision", "tool", def.Name, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "tool_use":
			if block.Name == def.Name {
				return []byte(block.Input), nil
			}
		case "text":
			text.WriteString(block.Text)
		}
	}

	if raw, ok := extractJSON(text.String()); ok {
		return raw, nil
	}
	return nil, recallerr.Errorf(recallerr.CodeOracleResponseInvalid, "anthropic reply has no %s call", def.Name)
}

func toolParam(def tools.Definition) anthropicsdk.ToolUnionParam {
	return anthropicsdk.ToolUnionParam{
		OfTool: &anthropicsdk.ToolParam{
			Name:        def.Name,
			Description: anthropicsdk.Opt(def.Description),
			InputSchema: anthropicsdk.ToolInputSchemaParam{
				Properties: def.Properties(),
				Required:   def.Required(),
			},
		},
	}
}
