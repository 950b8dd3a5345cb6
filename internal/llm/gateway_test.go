package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/kerr"
)

// fakeProvider scripts availability and responses and records the requests
// it receives.
type fakeProvider struct {
	name      string
	available bool
	err       error
	resp      *Response
	requests  []Request
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) IsAvailable() bool { return f.available }

func (f *fakeProvider) Complete(_ context.Context, req Request) (*Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func testGateway(primary, fallback *fakeProvider, thinking *ThinkingConfig) *RoutedGateway {
	route := Route{
		Primary:   ProviderRef{Provider: primary, Model: "model-a"},
		Thinking:  thinking,
		MaxTokens: 4096,
	}
	if fallback != nil {
		route.Fallback = &ProviderRef{Provider: fallback, Model: "model-b"}
	}
	return NewRoutedGateway([]TaskType{TaskSkillExecution}, map[TaskType]Route{TaskSkillExecution: route})
}

func TestGatewayPrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "anthropic", available: true, resp: &Response{Content: "hi"}}
	g := testGateway(primary, nil, nil)

	resp, err := g.Complete(context.Background(), TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "hey"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, TaskSkillExecution, resp.TaskType)
	require.Len(t, primary.requests, 1)
	assert.Equal(t, "model-a", primary.requests[0].Model)
	assert.Equal(t, 4096, primary.requests[0].MaxTokens)
}

func TestGatewayFallbackDropsThinking(t *testing.T) {
	t.Parallel()
	temp := 0.7
	primary := &fakeProvider{name: "anthropic", available: true, err: errors.New("overloaded")}
	fallback := &fakeProvider{name: "openai", available: true, resp: &Response{Content: "from fallback"}}
	g := testGateway(primary, fallback, &ThinkingConfig{Enabled: true, BudgetTokens: 2048})

	resp, err := g.Complete(context.Background(), TaskSkillExecution, Request{
		Messages:    []Message{{Role: "user", Content: "hey"}},
		Tools:       []ToolSchema{{Name: "t", Parameters: map[string]any{"type": "object"}}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)

	// Primary got thinking, no temperature, and the tools capability flag.
	require.Len(t, primary.requests, 1)
	preq := primary.requests[0]
	require.NotNil(t, preq.Thinking)
	assert.True(t, preq.Thinking.Enabled)
	assert.Nil(t, preq.Temperature)
	assert.True(t, preq.ThinkingWithTools)

	// Fallback got no thinking and the stock token budget.
	require.Len(t, fallback.requests, 1)
	freq := fallback.requests[0]
	assert.Nil(t, freq.Thinking)
	assert.False(t, freq.ThinkingWithTools)
	assert.Equal(t, defaultMaxTokens, freq.MaxTokens)
}

func TestGatewayAllProvidersFailed(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "anthropic", available: true, err: errors.New("boom")}
	fallback := &fakeProvider{name: "openai", available: false}
	g := testGateway(primary, fallback, nil)

	_, err := g.Complete(context.Background(), TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	ke, ok := kerr.As(err)
	require.True(t, ok)
	assert.Equal(t, kerr.CodeLLMAllFailed, ke.Code)
}

func TestGatewayTimeoutWithoutFallbackIsAllProvidersFailed(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "anthropic", available: true, err: errors.New("request aborted")}
	g := testGateway(primary, nil, nil)

	// An already-expired deadline makes the call path classify the primary
	// failure as a timeout; the gateway contract still reports that both
	// providers failed, never a bare timeout.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := g.Complete(ctx, TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	ke, ok := kerr.As(err)
	require.True(t, ok)
	assert.Equal(t, kerr.CodeLLMAllFailed, ke.Code)
}

func TestGatewayUnavailablePrimarySkipsToFallback(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "anthropic", available: false}
	fallback := &fakeProvider{name: "openai", available: true, resp: &Response{Content: "ok"}}
	g := testGateway(primary, fallback, nil)

	resp, err := g.Complete(context.Background(), TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Empty(t, primary.requests)
}

func TestGatewayUnknownTaskUsesFirstRoute(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "anthropic", available: true, resp: &Response{Content: "default"}}
	g := testGateway(primary, nil, nil)

	resp, err := g.Complete(context.Background(), TaskType("mystery"), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "default", resp.Content)
	assert.Equal(t, "model-a", primary.requests[0].Model)
}

func TestGatewayTruncatesThinkingSummary(t *testing.T) {
	t.Parallel()
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'a'
	}
	primary := &fakeProvider{name: "anthropic", available: true, resp: &Response{Content: "x", ThinkingSummary: string(long)}}
	g := testGateway(primary, nil, &ThinkingConfig{Enabled: true, BudgetTokens: 1024})

	resp, err := g.Complete(context.Background(), TaskSkillExecution, Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Len(t, resp.ThinkingSummary, 500)
}
