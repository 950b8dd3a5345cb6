package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"kilo/internal/kerr"
)

const (
	defaultMaxTokens = 2048

	callTimeout         = 30 * time.Second
	thinkingCallTimeout = 60 * time.Second
)

// ProviderRef binds a provider instance to the model it should serve.
type ProviderRef struct {
	Provider Provider
	Model    string
}

// Route maps one task type to its providers and generation settings.
type Route struct {
	Primary   ProviderRef
	Fallback  *ProviderRef
	Thinking  *ThinkingConfig
	MaxTokens int
}

// RoutedGateway selects providers by task type with primary/fallback
// failover. The routing table is read-only after construction.
type RoutedGateway struct {
	routes map[TaskType]Route
	order  []TaskType
}

// NewRoutedGateway builds a gateway over an ordered route table. The first
// route doubles as the last-resort default for unknown tasks.
func NewRoutedGateway(order []TaskType, routes map[TaskType]Route) *RoutedGateway {
	return &RoutedGateway{routes: routes, order: order}
}

// DefaultRoutes wires the fixed task set over an Anthropic primary and an
// OpenAI-compatible fallback.
func DefaultRoutes(primary, fallback Provider) *RoutedGateway {
	sonnet := func(fb *ProviderRef, thinking *ThinkingConfig, maxTokens int) Route {
		return Route{
			Primary:   ProviderRef{Provider: primary, Model: "claude-3-7-sonnet-latest"},
			Fallback:  fb,
			Thinking:  thinking,
			MaxTokens: maxTokens,
		}
	}
	var fbLarge, fbSmall *ProviderRef
	if fallback != nil {
		fbLarge = &ProviderRef{Provider: fallback, Model: "gpt-4o"}
		fbSmall = &ProviderRef{Provider: fallback, Model: "gpt-4o-mini"}
	}
	order := []TaskType{
		TaskSimpleQA, TaskSkillExecution, TaskSkillGeneration,
		TaskComplexReasoning, TaskDataAnalysis, TaskDocExtraction,
	}
	routes := map[TaskType]Route{
		TaskSimpleQA: {
			Primary:   ProviderRef{Provider: primary, Model: "claude-3-5-haiku-latest"},
			Fallback:  fbSmall,
			MaxTokens: 1024,
		},
		TaskSkillExecution:   sonnet(fbLarge, nil, 2048),
		TaskSkillGeneration:  sonnet(fbLarge, &ThinkingConfig{Enabled: true, BudgetTokens: 4096}, 8192),
		TaskComplexReasoning: sonnet(fbLarge, &ThinkingConfig{Enabled: true, BudgetTokens: 8192}, 16384),
		TaskDataAnalysis:     sonnet(fbLarge, &ThinkingConfig{Enabled: true, BudgetTokens: 2048}, 4096),
		TaskDocExtraction:    sonnet(fbLarge, nil, 8192),
	}
	return NewRoutedGateway(order, routes)
}

// Complete resolves the task's route and runs primary-then-fallback.
func (g *RoutedGateway) Complete(ctx context.Context, task TaskType, req Request) (*Response, error) {
	route, ok := g.routes[task]
	if !ok && len(g.order) > 0 {
		// Last-resort default: the first configured route.
		route = g.routes[g.order[0]]
		log.Warn().Str("task", string(task)).Msg("gateway_unknown_task_default_route")
	}

	primaryReq := req
	primaryReq.Model = route.Primary.Model
	if primaryReq.MaxTokens == 0 {
		primaryReq.MaxTokens = route.MaxTokens
	}
	if primaryReq.MaxTokens == 0 {
		primaryReq.MaxTokens = defaultMaxTokens
	}
	if route.Thinking != nil && route.Thinking.Enabled {
		thinking := *route.Thinking
		primaryReq.Thinking = &thinking
		// Thinking and temperature are mutually exclusive on the provider
		// side; thinking wins.
		primaryReq.Temperature = nil
		if len(primaryReq.Tools) > 0 {
			primaryReq.ThinkingWithTools = true
		}
	}

	if route.Primary.Provider != nil && route.Primary.Provider.IsAvailable() {
		resp, err := g.call(ctx, route.Primary.Provider, primaryReq)
		if err == nil {
			resp.TaskType = task
			return resp, nil
		}
		log.Warn().Err(err).
			Str("task", string(task)).
			Str("provider", route.Primary.Provider.Name()).
			Str("model", route.Primary.Model).
			Msg("gateway_primary_failed")
	}

	if route.Fallback != nil && route.Fallback.Provider != nil && route.Fallback.Provider.IsAvailable() {
		fallbackReq := req
		fallbackReq.Model = route.Fallback.Model
		// Graceful degradation across provider families: no thinking, stock
		// token budget.
		fallbackReq.Thinking = nil
		fallbackReq.ThinkingWithTools = false
		fallbackReq.MaxTokens = defaultMaxTokens
		resp, err := g.call(ctx, route.Fallback.Provider, fallbackReq)
		if err == nil {
			resp.TaskType = task
			log.Info().Str("task", string(task)).Str("provider", route.Fallback.Provider.Name()).Msg("gateway_fallback")
			return resp, nil
		}
		log.Warn().Err(err).Str("task", string(task)).Str("provider", route.Fallback.Provider.Name()).Msg("gateway_fallback_failed")
	}

	return nil, kerr.LLMAllProvidersFailed(string(task))
}

func (g *RoutedGateway) call(ctx context.Context, p Provider, req Request) (*Response, error) {
	timeout := callTimeout
	if req.Thinking != nil && req.Thinking.Enabled {
		timeout = thinkingCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Complete(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, kerr.LLMTimeout(p.Name(), err)
		}
		return nil, kerr.LLM(p.Name(), req.Model, err)
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if len(resp.ThinkingSummary) > 500 {
		resp.ThinkingSummary = resp.ThinkingSummary[:500]
	}
	return resp, nil
}
