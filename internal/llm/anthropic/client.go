// Package anthropic adapts the Anthropic SDK to the runtime's provider
// contract, including extended-thinking support.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/rs/zerolog/log"

	"kilo/internal/config"
	"kilo/internal/llm"
)

// thinkingToolsBeta is required when extended thinking and tool use are
// combined on one request.
const thinkingToolsBeta = "interleaved-thinking-2025-05-14"

type Client struct {
	sdk       anthropic.Client
	available bool
}

// New builds the provider. A missing API key leaves the provider
// constructed but unavailable so the gateway can skip it.
func New(cfg config.ProviderConfig) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	return &Client{
		sdk:       anthropic.NewClient(opts...),
		available: strings.TrimSpace(cfg.APIKey) != "",
	}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) IsAvailable() bool { return c != nil && c.available }

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	system, converted, err := adaptMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	toolDefs, err := adaptTools(req.Tools)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 2048
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  converted,
		System:    system,
		Tools:     toolDefs,
		MaxTokens: maxTokens,
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := int64(req.Thinking.BudgetTokens)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		// Anthropic enforces max_tokens > budget_tokens.
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + 1024
		}
	} else if req.Temperature != nil {
		// Temperature and thinking are mutually exclusive on this API.
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.ForceTool != "" {
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ForceTool)
	}

	var callOpts []option.RequestOption
	if req.ThinkingWithTools {
		callOpts = append(callOpts, option.WithHeader("anthropic-beta", thinkingToolsBeta))
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params, callOpts...)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Int("tools", len(req.Tools)).Dur("duration", dur).Msg("anthropic_complete_error")
		return nil, err
	}

	out := responseFrom(resp)
	out.Provider = "anthropic"
	out.Model = string(resp.Model)
	out.PromptTokens = int(resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.InputTokens)
	out.CompletionTokens = int(resp.Usage.OutputTokens)

	log.Debug().
		Str("model", req.Model).
		Int("tools", len(req.Tools)).
		Dur("duration", dur).
		Int("prompt_tokens", out.PromptTokens).
		Int("completion_tokens", out.CompletionTokens).
		Msg("anthropic_complete_ok")
	return out, nil
}

func adaptMessages(system string, msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("messages required")
	}
	var sys []anthropic.TextBlockParam
	if strings.TrimSpace(system) != "" {
		sys = append(sys, anthropic.TextBlockParam{Text: system})
	}
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			sys = append(sys, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return sys, out, nil
}

func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.ValueOf[constant.Object](),
		}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func responseFrom(resp *anthropic.Message) *llm.Response {
	out := &llm.Response{}
	if resp == nil {
		return out
	}
	var text, thinking strings.Builder
	callIdx := 0
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			thinking.WriteString(v.Thinking)
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:    id,
				Name:  v.Name,
				Input: decodeInput(v.Input),
			})
		}
	}
	out.Content = text.String()
	out.ThinkingSummary = thinking.String()
	return out
}

func decodeInput(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) == 0 {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		// Anthropic requires tool_use.input to be an object; treat anything
		// else as empty.
		return map[string]any{}
	}
	return m
}
