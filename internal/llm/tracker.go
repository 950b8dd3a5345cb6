package llm

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"kilo/internal/cache"
	"kilo/internal/persistence"
)

// UsageTracker records cost-attributed usage rows. Failures are logged and
// never surfaced to callers.
type UsageTracker struct {
	usage   persistence.UsageStore
	pricing persistence.PricingStore
	cache   *cache.Service
}

// NewUsageTracker builds a tracker over the usage and pricing stores.
func NewUsageTracker(usage persistence.UsageStore, pricing persistence.PricingStore, c *cache.Service) *UsageTracker {
	return &UsageTracker{usage: usage, pricing: pricing, cache: c}
}

// CalculateCost converts token counts to USD at per-million-token rates,
// rounded to six decimals so stored costs are stable across float drift.
func CalculateCost(promptTokens, completionTokens int, p persistence.ModelPricing) float64 {
	cost := float64(promptTokens)*p.InputCostPerM/1_000_000 +
		float64(completionTokens)*p.OutputCostPerM/1_000_000
	return math.Round(cost*1e6) / 1e6
}

// Record computes the cost and inserts one usage row. Unknown models record
// zero cost with a warning.
func (t *UsageTracker) Record(ctx context.Context, r persistence.UsageRecord) error {
	pricing, ok := t.lookupPricing(ctx, r.Model)
	if !ok {
		log.Warn().Str("model", r.Model).Msg("usage_unknown_model_pricing")
	}
	r.CostUsd = CalculateCost(r.PromptTokens, r.CompletionTokens, pricing)
	if err := t.usage.Insert(ctx, r); err != nil {
		log.Error().Err(err).Str("user_id", r.UserID).Msg("usage_track_failed")
		return err
	}
	return nil
}

func (t *UsageTracker) lookupPricing(ctx context.Context, model string) (persistence.ModelPricing, bool) {
	var catalog []persistence.ModelPricing
	if !t.cache.Get(ctx, cache.PricingKey(), &catalog) {
		var err error
		catalog, err = t.pricing.List(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("pricing_list_failed")
			return persistence.ModelPricing{}, false
		}
		t.cache.Set(ctx, cache.PricingKey(), catalog, cache.PricingTTL)
	}
	for _, p := range catalog {
		if p.Model == model {
			return p, true
		}
	}
	return persistence.ModelPricing{}, false
}

// SeedPricing loads the built-in model catalog into the pricing store,
// keeping existing rows current.
func SeedPricing(ctx context.Context, store persistence.PricingStore) error {
	catalog := []persistence.ModelPricing{
		{Model: "claude-3-7-sonnet-latest", Provider: "anthropic", InputCostPerM: 3, OutputCostPerM: 15},
		{Model: "claude-3-5-haiku-latest", Provider: "anthropic", InputCostPerM: 0.8, OutputCostPerM: 4},
		{Model: "gpt-4o", Provider: "openai", InputCostPerM: 2.5, OutputCostPerM: 10},
		{Model: "gpt-4o-mini", Provider: "openai", InputCostPerM: 0.15, OutputCostPerM: 0.6},
	}
	for _, p := range catalog {
		if err := store.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// trackTimeout bounds the fire-and-forget recording goroutine.
const trackTimeout = 10 * time.Second
