// Package openai adapts the OpenAI SDK to the runtime's provider contract.
// It serves as the fallback family: the gateway never sends it a thinking
// config.
package openai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"kilo/internal/config"
	"kilo/internal/llm"
)

type Client struct {
	sdk       sdk.Client
	available bool
}

// New builds the provider. A missing API key leaves it unavailable.
func New(cfg config.ProviderConfig) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	return &Client{
		sdk:       sdk.NewClient(opts...),
		available: strings.TrimSpace(cfg.APIKey) != "",
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) IsAvailable() bool { return c != nil && c.available }

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(req.Model),
	}
	params.Messages = adaptMessages(req.System, req.Messages)
	if len(req.Tools) > 0 {
		params.Tools = adaptSchemas(req.Tools)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.ForceTool != "" {
		params.SetExtraFields(map[string]any{
			"tool_choice": map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ForceTool},
			},
		})
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Int("tools", len(req.Tools)).Dur("duration", dur).Msg("openai_complete_error")
		return nil, err
	}

	out := &llm.Response{
		Provider:         "openai",
		Model:            string(params.Model),
		PromptTokens:     int(comp.Usage.PromptTokens),
		CompletionTokens: int(comp.Usage.CompletionTokens),
	}
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			if v, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
				input := map[string]any{}
				if raw := strings.TrimSpace(v.Function.Arguments); raw != "" {
					_ = json.Unmarshal([]byte(raw), &input)
				}
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:    v.ID,
					Name:  v.Function.Name,
					Input: input,
				})
			}
		}
	}

	log.Debug().
		Str("model", req.Model).
		Int("tools", len(req.Tools)).
		Dur("duration", dur).
		Int("prompt_tokens", out.PromptTokens).
		Int("completion_tokens", out.CompletionTokens).
		Msg("openai_complete_ok")
	return out, nil
}

func adaptSchemas(schemas []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		def := sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

func adaptMessages(system string, msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		content := m.Content
		if content == "" {
			content = " "
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, sdk.SystemMessage(content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(content))
		default:
			out = append(out, sdk.UserMessage(content))
		}
	}
	return out
}
