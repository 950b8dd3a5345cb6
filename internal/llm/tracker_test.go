package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/persistence"
	"kilo/internal/persistence/databases"
)

func TestCalculateCost(t *testing.T) {
	t.Parallel()
	sonnet := persistence.ModelPricing{Model: "claude-3-7-sonnet-latest", InputCostPerM: 3, OutputCostPerM: 15}

	assert.Equal(t, 0.0105, CalculateCost(1000, 500, sonnet))

	// A million tokens each side stays within a penny of exact.
	got := CalculateCost(1_000_000, 1_000_000, sonnet)
	assert.InDelta(t, 18.0, got, 0.01)

	assert.Equal(t, 0.0, CalculateCost(1000, 500, persistence.ModelPricing{}))
}

func newTrackerFixture(t *testing.T) (*UsageTracker, persistence.UsageStore) {
	t.Helper()
	usage := databases.NewMemoryUsageStore()
	pricing := databases.NewMemoryPricingStore()
	require.NoError(t, SeedPricing(context.Background(), pricing))
	return NewUsageTracker(usage, pricing, nil), usage
}

func TestTrackerRecordComputesCost(t *testing.T) {
	t.Parallel()
	tracker, usage := newTrackerFixture(t)

	err := tracker.Record(context.Background(), persistence.UsageRecord{
		UserID: "u1", Provider: "anthropic", Model: "claude-3-7-sonnet-latest",
		TaskType: "skill_execution", PromptTokens: 1000, CompletionTokens: 500,
	})
	require.NoError(t, err)

	summary, err := usage.Summary(context.Background(), "u1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0105, summary.TotalCostUsd)
}

func TestTrackerUnknownModelRecordsZeroCost(t *testing.T) {
	t.Parallel()
	tracker, usage := newTrackerFixture(t)

	err := tracker.Record(context.Background(), persistence.UsageRecord{
		UserID: "u1", Provider: "anthropic", Model: "mystery-model", PromptTokens: 10, CompletionTokens: 10,
	})
	require.NoError(t, err)

	summary, err := usage.Summary(context.Background(), "u1", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalCostUsd)
	assert.Equal(t, int64(1), summary.RequestCount)
}

func TestTrackedGatewayRecordsAttribution(t *testing.T) {
	t.Parallel()
	tracker, usage := newTrackerFixture(t)
	primary := &fakeProvider{name: "anthropic", available: true, resp: &Response{
		Content: "hi", Model: "claude-3-7-sonnet-latest", Provider: "anthropic",
		PromptTokens: 1000, CompletionTokens: 500,
	}}
	tracked := NewTrackedGateway(testGateway(primary, nil, nil), tracker)

	bot := "b1"
	ctx := WithAttribution(context.Background(), Attribution{UserID: "u1", BotID: &bot})
	_, err := tracked.Complete(ctx, TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)

	// Recording is fire-and-forget; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		summary, err := usage.Summary(context.Background(), "u1", nil, nil)
		require.NoError(t, err)
		if summary.RequestCount == 1 {
			assert.Equal(t, 0.0105, summary.TotalCostUsd)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("usage record never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTrackedGatewayWithoutAttributionSkipsRecording(t *testing.T) {
	t.Parallel()
	tracker, usage := newTrackerFixture(t)
	primary := &fakeProvider{name: "anthropic", available: true, resp: &Response{Content: "hi"}}
	tracked := NewTrackedGateway(testGateway(primary, nil, nil), tracker)

	_, err := tracked.Complete(context.Background(), TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	summary, err := usage.Summary(context.Background(), "anyone", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.RequestCount)
}
