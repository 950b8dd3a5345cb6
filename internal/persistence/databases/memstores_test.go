package databases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/persistence"
)

func TestSchemaNameFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "bot_1b4e28ba", SchemaNameFor("1b4e28ba-2fa1-11d2-883f-0016d3cca427"))
	assert.Equal(t, "bot_ab", SchemaNameFor("ab"))
}

func TestMemoryBotStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryBotStore()
	require.NoError(t, store.Init(ctx))

	b, err := store.Create(ctx, persistence.Bot{UserID: "u1", Name: "Planner"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "free", b.Tier)
	assert.Contains(t, b.SchemaName, "bot_")

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Planner", got.Name)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, store.Delete(ctx, b.ID))
	_, err = store.Get(ctx, b.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestMemorySkillStoreVersioning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemorySkillStore()

	def, err := store.Create(ctx, persistence.SkillDefinition{
		BotID:           "b1",
		Name:            "Coffee Tracker",
		TriggerPatterns: []string{"track my coffee", "log coffee"},
		BehaviorPrompt:  "Track coffee intake.",
		Active:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, persistence.OutputText, def.OutputFormat)

	def.Description = "updated"
	updated, err := store.Update(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	active, err := store.ListActiveByBot(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	updated.Active = false
	_, err = store.Update(ctx, updated)
	require.NoError(t, err)
	active, err = store.ListActiveByBot(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryMessageStoreNullsBuiltinSkillIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryMessageStore()

	builtin := "builtin-time"
	m, err := store.Append(ctx, persistence.Message{
		SessionID: "s1", BotID: "b1", Role: "assistant", Content: "It's noon.", SkillID: &builtin,
	})
	require.NoError(t, err)
	assert.Nil(t, m.SkillID)

	real := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	m, err = store.Append(ctx, persistence.Message{
		SessionID: "s1", BotID: "b1", Role: "assistant", Content: "done", SkillID: &real,
	})
	require.NoError(t, err)
	require.NotNil(t, m.SkillID)
	assert.Equal(t, real, *m.SkillID)
}

func TestMemoryMessageStoreHistoryOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryMessageStore()

	for i, content := range []string{"one", "two", "three"} {
		_, err := store.Append(ctx, persistence.Message{
			SessionID: "s1", BotID: "b1", Role: "user", Content: content,
			CreatedAt: time.Unix(int64(1000+i), 0),
		})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, "three", history[1].Content)

	last, err := store.LastAssistant(ctx, "s1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	_ = last
}

func TestMemoryToolStoreUniqueName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryToolStore()

	_, err := store.Create(ctx, persistence.ToolEntry{BotID: "b1", Name: "stripe", Active: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, persistence.ToolEntry{BotID: "b1", Name: "stripe"})
	assert.ErrorIs(t, err, persistence.ErrConflict)

	found, err := store.ListByNames(ctx, "b1", []string{"Stripe"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestMemoryUsageStoreAggregates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryUsageStore()

	bot := "b1"
	for _, r := range []persistence.UsageRecord{
		{UserID: "u1", BotID: &bot, Provider: "anthropic", Model: "sonnet", CostUsd: 0.01, PromptTokens: 100, CompletionTokens: 20},
		{UserID: "u1", Provider: "openai", Model: "gpt", CostUsd: 0.02, PromptTokens: 50, CompletionTokens: 10},
		{UserID: "other", Provider: "anthropic", Model: "sonnet", CostUsd: 5},
	} {
		require.NoError(t, store.Insert(ctx, r))
	}

	summary, err := store.Summary(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, summary.TotalCostUsd, 1e-9)
	assert.Equal(t, int64(2), summary.RequestCount)
	assert.InDelta(t, 0.01, summary.ByProvider["anthropic"], 1e-9)

	byModel, err := store.Breakdown(ctx, "u1", "model")
	require.NoError(t, err)
	assert.Len(t, byModel, 2)

	_, err = store.Breakdown(ctx, "u1", "nope")
	assert.Error(t, err)
}

func TestMemoryDismissalStoreWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryDismissalStore()

	old := persistence.ProposalDismissal{BotID: "b1", Name: "Coffee Tracker", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)}
	recent := persistence.ProposalDismissal{BotID: "b1", Name: "Reading List Tracker"}
	_, err := store.Record(ctx, old)
	require.NoError(t, err)
	saved, err := store.Record(ctx, recent)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())

	since := time.Now().Add(-7 * 24 * time.Hour)
	rows, err := store.ListSince(ctx, "b1", since)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Reading List Tracker", rows[0].Name)

	rows, err = store.ListSince(ctx, "other-bot", since)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryMemoryStoreUpsertOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryMemoryStore()

	_, err := store.Upsert(ctx, persistence.MemoryFact{BotID: "b1", UserID: "u1", Key: "name", Value: "Ada", Source: persistence.FactUserStated, Confidence: 0.9})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, persistence.MemoryFact{BotID: "b1", UserID: "u1", Key: "name", Value: "Grace", Source: persistence.FactUserStated, Confidence: 0.9})
	require.NoError(t, err)

	facts, err := store.ListByBotUser(ctx, "b1", "u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Grace", facts[0].Value)
}
