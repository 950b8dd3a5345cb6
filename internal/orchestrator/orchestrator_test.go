package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/builtin"
	"kilo/internal/httptool"
	"kilo/internal/learning"
	"kilo/internal/llm"
	"kilo/internal/persistence"
	"kilo/internal/prompt"
	"kilo/internal/skills"
	"kilo/internal/sqlsandbox"
	"kilo/internal/vault"
)

// pinnedNow is the clock used by scenario tests.
var pinnedNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeLoader struct {
	bot        persistence.Bot
	skills     []persistence.SkillDefinition
	history    []persistence.Message
	last       *persistence.Message
	facts      []persistence.MemoryFact
	tools      []persistence.ToolEntry
	snapshot   *prompt.DataSnapshot
	tables     []prompt.TableSchema
	dismissals []skills.Dismissal
	recorded   []string
}

func (f *fakeLoader) BotConfig(context.Context, string) (persistence.Bot, error) {
	return f.bot, nil
}
func (f *fakeLoader) ActiveSkills(context.Context, string) ([]persistence.SkillDefinition, error) {
	return f.skills, nil
}
func (f *fakeLoader) History(context.Context, string, int) ([]persistence.Message, error) {
	return f.history, nil
}
func (f *fakeLoader) LastAssistant(context.Context, string) (persistence.Message, error) {
	if f.last == nil {
		return persistence.Message{}, persistence.ErrNotFound
	}
	return *f.last, nil
}
func (f *fakeLoader) MemoryFacts(context.Context, string, string) ([]persistence.MemoryFact, error) {
	return f.facts, nil
}
func (f *fakeLoader) RAGChunks(context.Context, string, string) ([]string, error) { return nil, nil }
func (f *fakeLoader) TableSchemas(context.Context, persistence.Bot, persistence.SkillDefinition) ([]prompt.TableSchema, error) {
	return f.tables, nil
}
func (f *fakeLoader) SkillData(context.Context, persistence.Bot, persistence.SkillDefinition) (*prompt.DataSnapshot, error) {
	return f.snapshot, nil
}
func (f *fakeLoader) ToolsByNames(context.Context, string, []string) ([]persistence.ToolEntry, error) {
	return f.tools, nil
}
func (f *fakeLoader) RecentDismissals(context.Context, string) ([]skills.Dismissal, error) {
	return f.dismissals, nil
}
func (f *fakeLoader) RecordDismissal(_ context.Context, _, name string) error {
	f.recorded = append(f.recorded, name)
	return nil
}

// countingGateway records calls and returns scripted responses in order.
type countingGateway struct {
	calls     int
	requests  []llm.Request
	tasks     []llm.TaskType
	responses []*llm.Response
}

func (g *countingGateway) Complete(_ context.Context, task llm.TaskType, req llm.Request) (*llm.Response, error) {
	g.calls++
	g.requests = append(g.requests, req)
	g.tasks = append(g.tasks, task)
	if len(g.responses) >= g.calls {
		return g.responses[g.calls-1], nil
	}
	return &llm.Response{Content: "generic answer"}, nil
}

type fakeLearning struct {
	calls   int
	queries []string
	outcome *learning.Outcome
}

func (f *fakeLearning) Run(_ context.Context, serviceName, query string) (*learning.Outcome, error) {
	f.calls++
	f.queries = append(f.queries, query)
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &learning.Outcome{
		ServiceName: serviceName,
		Slug:        learning.Slug(serviceName),
		API: learning.APIInfo{
			BaseURL:          "https://api.example.com/v1",
			AuthType:         persistence.AuthBearer,
			AuthInstructions: "Create a token in settings.",
			Endpoints: []persistence.Endpoint{
				{Path: "/things", Method: "GET", Description: "List things"},
				{Path: "/things", Method: "POST", Description: "Create a thing"},
			},
			Confidence: 0.8,
		},
	}, nil
}

func newTestOrchestrator(loader *fakeLoader, gateway *countingGateway, opts Options) *Orchestrator {
	opts.Now = func() time.Time { return pinnedNow }
	return New(loader, gateway, builtin.NewRegistry(), opts)
}

func TestBuiltinTimeShortCircuitsLLM(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1", Name: "Juno"}}, gateway, Options{})

	res, err := o.Process(context.Background(), "what time is it in Tokyo?", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Regexp(t, `It's \*\*.+\*\*`, res.Response.Content)
	assert.Contains(t, res.Response.Content, "Asia/Tokyo")
	assert.Equal(t, "builtin-time", res.Response.SkillID)
	assert.Zero(t, gateway.calls, "builtin answers must not touch the LLM")
}

func TestBuiltinDateMathChristmas(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}}, gateway, Options{})

	res, err := o.Process(context.Background(), "how many days until Christmas?", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Contains(t, res.Response.Content, "**193 days**")
	assert.Equal(t, "builtin-date-math", res.Response.SkillID)
	assert.Zero(t, gateway.calls)
}

func TestLearningFlowFromExplicitIntent(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	learner := &fakeLearning{}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}}, gateway, Options{Learning: learner})

	res, err := o.Process(context.Background(), "Learn how to use Canva", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, learner.calls)
	assert.Contains(t, res.Response.Content, "https://api.example.com/v1")
	assert.Contains(t, res.Response.Content, "Endpoints found: 2")
	assert.Contains(t, res.Response.Content, "Create a token in settings.")

	require.Len(t, res.SideEffects, 1)
	effect := res.SideEffects[0]
	assert.Equal(t, EffectLearningProposal, effect.Type)
	require.NotNil(t, effect.LearningProposal)
	assert.Equal(t, 2, effect.LearningProposal.EndpointCount)
	assert.Zero(t, gateway.calls, "research formatting needs no extra LLM turn")
}

func TestMidConfidenceIntentAsksClarification(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	learner := &fakeLearning{}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}}, gateway, Options{Learning: learner})

	res, err := o.Process(context.Background(), "learn to tell time", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Contains(t, res.Response.Content, "<!-- learning-clarification:")
	assert.Zero(t, learner.calls)
}

func TestClarificationYesTriggersLearning(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	learner := &fakeLearning{}
	last := persistence.Message{
		Role:    "assistant",
		Content: "<!-- learning-clarification:Tell Time -->\nShall I research that?",
	}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}, last: &last}, gateway, Options{Learning: learner})

	res, err := o.Process(context.Background(), "Yes", "b1", "u1", "s1")
	require.NoError(t, err)

	require.Equal(t, 1, learner.calls)
	assert.Equal(t, []string{"Tell Time API"}, learner.queries)
	require.Len(t, res.SideEffects, 1)
	assert.Equal(t, EffectLearningProposal, res.SideEffects[0].Type)
}

func TestClarificationNoFallsThroughToGeneral(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{responses: []*llm.Response{{Content: "Alright, no problem."}}}
	learner := &fakeLearning{}
	last := persistence.Message{
		Role:    "assistant",
		Content: "<!-- learning-clarification:Tell Time -->\nShall I research that?",
	}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}, last: &last}, gateway, Options{Learning: learner})

	res, err := o.Process(context.Background(), "No thanks", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Zero(t, learner.calls)
	assert.Equal(t, 1, gateway.calls)
	assert.Equal(t, "Alright, no problem.", res.Response.Content)
}

func TestSkillMatchRunsGatewayWithComposedPrompt(t *testing.T) {
	t.Parallel()
	skill := persistence.SkillDefinition{
		ID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427", Name: "Coffee Tracker",
		TriggerPatterns: []string{"track coffee", "log coffee"},
		BehaviorPrompt:  "Record each coffee.",
		DataTable:       "coffees", ReadableTables: []string{"coffees"},
		Active: true,
	}
	gateway := &countingGateway{responses: []*llm.Response{{
		Content: "Logged it!",
		ToolCalls: []llm.ToolCall{{
			Name:  "insert_skill_data",
			Input: map[string]any{"data": map[string]any{"note": "flat white"}},
		}},
	}}}
	loader := &fakeLoader{bot: persistence.Bot{ID: "b1", Name: "Juno"}, skills: []persistence.SkillDefinition{skill}}
	o := newTestOrchestrator(loader, gateway, Options{})

	res, err := o.Process(context.Background(), "track coffee", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, gateway.calls)
	assert.Equal(t, llm.TaskSkillExecution, gateway.tasks[0])
	assert.Contains(t, gateway.requests[0].System, "Coffee Tracker")

	assert.Equal(t, skill.ID, res.Response.SkillID)
	assert.Equal(t, "Logged it!", res.Response.Content)

	var write *SkillDataWritePayload
	for _, e := range res.SideEffects {
		if e.Type == EffectSkillDataWrite {
			write = e.SkillDataWrite
		}
	}
	require.NotNil(t, write)
	assert.Equal(t, "coffees", write.Table)
	assert.Equal(t, "insert", write.Op)
	assert.Equal(t, "flat white", write.Data["note"])
}

type fakeToolCaller struct {
	requests []httptool.Request
	resp     *httptool.Response
}

func (f *fakeToolCaller) Execute(_ context.Context, req httptool.Request) (*httptool.Response, error) {
	f.requests = append(f.requests, req)
	return f.resp, nil
}

func TestCallAPIToolFlow(t *testing.T) {
	t.Parallel()
	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	enc, err := v.Encrypt([]byte(`{"key":"secret-token"}`))
	require.NoError(t, err)

	skill := persistence.SkillDefinition{
		ID: "2b4e28ba-2fa1-11d2-883f-0016d3cca427", Name: "Design Lister",
		TriggerPatterns:      []string{"show designs", "list designs"},
		BehaviorPrompt:       "List the user's designs.",
		RequiredIntegrations: []string{"canva"},
		Active:               true,
	}
	tool := persistence.ToolEntry{
		Name: "canva", BaseURL: "https://api.canva.example.com",
		AuthKind: persistence.AuthBearer, EncryptedAuth: enc,
		Endpoints: []persistence.Endpoint{{Path: "/designs", Method: "GET", Description: "List designs"}},
		Active:    true,
	}
	caller := &fakeToolCaller{resp: &httptool.Response{
		Status: 200, Body: map[string]any{"designs": []any{"a", "b"}}, LatencyMs: 42,
	}}
	gateway := &countingGateway{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{Name: "call_api", Input: map[string]any{
			"tool": "canva", "endpoint": "/designs", "method": "GET",
		}}}},
		{Content: "You have 2 designs."},
	}}
	loader := &fakeLoader{
		bot:    persistence.Bot{ID: "b1"},
		skills: []persistence.SkillDefinition{skill},
		tools:  []persistence.ToolEntry{tool},
	}
	o := newTestOrchestrator(loader, gateway, Options{Tools: caller, Vault: v})

	res, err := o.Process(context.Background(), "show designs", "b1", "u1", "s1")
	require.NoError(t, err)

	// The executed call carried decrypted bearer auth and hit the declared
	// endpoint.
	require.Len(t, caller.requests, 1)
	assert.Equal(t, "https://api.canva.example.com/designs", caller.requests[0].URL)
	assert.Equal(t, "Bearer secret-token", caller.requests[0].Headers["Authorization"])

	// Two gateway turns: tool call, then the user-facing answer.
	assert.Equal(t, 2, gateway.calls)
	assert.Equal(t, "You have 2 designs.", res.Response.Content)

	var apiEffect *APICallPayload
	for _, e := range res.SideEffects {
		if e.Type == EffectAPICall {
			apiEffect = e.APICall
		}
	}
	require.NotNil(t, apiEffect)
	assert.Equal(t, "canva", apiEffect.ToolName)
	assert.Equal(t, 200, apiEffect.Status)
	assert.Equal(t, int64(42), apiEffect.LatencyMs)
}

func TestCallAPIUndeclaredEndpointFails(t *testing.T) {
	t.Parallel()
	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	enc, err := v.Encrypt([]byte(`{"key":"k"}`))
	require.NoError(t, err)

	skill := persistence.SkillDefinition{
		ID: "3b4e28ba-2fa1-11d2-883f-0016d3cca427", Name: "Design Lister",
		TriggerPatterns:      []string{"show designs", "list designs"},
		BehaviorPrompt:       "List designs.",
		RequiredIntegrations: []string{"canva"},
		Active:               true,
	}
	tool := persistence.ToolEntry{
		Name: "canva", BaseURL: "https://api.canva.example.com",
		AuthKind: persistence.AuthBearer, EncryptedAuth: enc,
		Endpoints: []persistence.Endpoint{{Path: "/designs", Method: "GET"}},
		Active:    true,
	}
	caller := &fakeToolCaller{resp: &httptool.Response{Status: 200}}
	gateway := &countingGateway{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{Name: "call_api", Input: map[string]any{
			"tool": "canva", "endpoint": "/admin/secrets", "method": "GET",
		}}}},
		{Content: "Sorry, that didn't work."},
	}}
	loader := &fakeLoader{
		bot:    persistence.Bot{ID: "b1"},
		skills: []persistence.SkillDefinition{skill},
		tools:  []persistence.ToolEntry{tool},
	}
	o := newTestOrchestrator(loader, gateway, Options{Tools: caller, Vault: v})

	res, err := o.Process(context.Background(), "show designs", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Empty(t, caller.requests, "undeclared endpoints are never dialed")
	// The failure still fed a final LLM turn with a null payload.
	assert.Equal(t, 2, gateway.calls)
	assert.Equal(t, "Sorry, that didn't work.", res.Response.Content)

	var apiEffect *APICallPayload
	for _, e := range res.SideEffects {
		if e.Type == EffectAPICall {
			apiEffect = e.APICall
		}
	}
	require.NotNil(t, apiEffect)
	assert.Zero(t, apiEffect.Status)
}

type fakeReader struct {
	queries []string
	result  sqlsandbox.Result
}

func (f *fakeReader) Query(_ context.Context, _, sql string, _ []string) (sqlsandbox.Result, error) {
	f.queries = append(f.queries, sql)
	return f.result, nil
}

func TestQuerySkillDataFeedsSecondTurn(t *testing.T) {
	t.Parallel()
	skill := persistence.SkillDefinition{
		ID: "4b4e28ba-2fa1-11d2-883f-0016d3cca427", Name: "Coffee Stats",
		TriggerPatterns: []string{"coffee summary", "coffee stats"},
		BehaviorPrompt:  "Summarize coffee data.",
		DataTable:       "coffees", ReadableTables: []string{"coffees"},
		Active: true,
	}
	reader := &fakeReader{result: sqlsandbox.Result{Rows: []map[string]any{{"count": 7}}}}
	gateway := &countingGateway{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{Name: "query_skill_data", Input: map[string]any{
			"sql": "SELECT COUNT(*) AS count FROM coffees",
		}}}},
		{Content: "You've had 7 coffees this week."},
	}}
	loader := &fakeLoader{bot: persistence.Bot{ID: "b1", SchemaName: "bot_b1"}, skills: []persistence.SkillDefinition{skill}}
	o := newTestOrchestrator(loader, gateway, Options{Reader: reader})

	res, err := o.Process(context.Background(), "coffee summary", "b1", "u1", "s1")
	require.NoError(t, err)

	require.Len(t, reader.queries, 1)
	assert.Equal(t, 2, gateway.calls)
	assert.Equal(t, "You've had 7 coffees this week.", res.Response.Content)
}

func TestProposerPathEmitsProposal(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}}, gateway, Options{})

	res, err := o.Process(context.Background(), "can you keep track of my reading list", "b1", "u1", "s1")
	require.NoError(t, err)

	require.Len(t, res.SideEffects, 1)
	assert.Equal(t, EffectSkillProposal, res.SideEffects[0].Type)
	assert.Contains(t, res.Response.Content, "Reading List Tracker")
	assert.Contains(t, res.Response.Content, "<!-- skill-proposal:Reading List Tracker -->")
	assert.Zero(t, gateway.calls, "a proposal acknowledgement needs no LLM turn")
}

func TestProposalDeclineRecordsDismissal(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{responses: []*llm.Response{{Content: "No problem, I won't set that up."}}}
	last := persistence.Message{
		Role:    "assistant",
		Content: skills.BuildProposalMarker("Reading List Tracker") + "\nWant me to set up a **Reading List Tracker** skill?",
	}
	loader := &fakeLoader{bot: persistence.Bot{ID: "b1"}, last: &last}
	o := newTestOrchestrator(loader, gateway, Options{})

	res, err := o.Process(context.Background(), "No thanks", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Equal(t, []string{"Reading List Tracker"}, loader.recorded)

	var analytics *AnalyticsPayload
	for _, e := range res.SideEffects {
		if e.Type == EffectAnalyticsEvent {
			analytics = e.AnalyticsEvent
		}
	}
	require.NotNil(t, analytics)
	assert.Equal(t, "skill_proposal_dismissed", analytics.Event)
	assert.Equal(t, "Reading List Tracker", analytics.Props["name"])

	// The turn still flows through to ordinary conversation.
	assert.Equal(t, 1, gateway.calls)
	assert.Equal(t, "No problem, I won't set that up.", res.Response.Content)
}

func TestProposalAffirmativeReplyIsNotADismissal(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{responses: []*llm.Response{{Content: "Great, the proposal is on its way."}}}
	last := persistence.Message{
		Role:    "assistant",
		Content: skills.BuildProposalMarker("Reading List Tracker") + "\nWant me to set it up?",
	}
	loader := &fakeLoader{bot: persistence.Bot{ID: "b1"}, last: &last}
	o := newTestOrchestrator(loader, gateway, Options{})

	_, err := o.Process(context.Background(), "Yes, create it", "b1", "u1", "s1")
	require.NoError(t, err)
	assert.Empty(t, loader.recorded)
}

func TestRecentDismissalSuppressesReproposal(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{responses: []*llm.Response{{Content: "Noted!"}}}
	loader := &fakeLoader{
		bot: persistence.Bot{ID: "b1"},
		dismissals: []skills.Dismissal{
			{Name: "Reading List Tracker", At: pinnedNow.Add(-24 * time.Hour)},
		},
	}
	o := newTestOrchestrator(loader, gateway, Options{})

	res, err := o.Process(context.Background(), "can you keep track of my reading list", "b1", "u1", "s1")
	require.NoError(t, err)

	for _, e := range res.SideEffects {
		assert.NotEqual(t, EffectSkillProposal, e.Type)
	}
	// Suppressed proposals fall back to ordinary conversation.
	assert.Equal(t, 1, gateway.calls)
}

func TestGeneralConversationFallback(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{responses: []*llm.Response{{Content: "Hello there!"}}}
	loader := &fakeLoader{
		bot: persistence.Bot{ID: "b1", Name: "Juno"},
		history: []persistence.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hey"},
		},
	}
	o := newTestOrchestrator(loader, gateway, Options{})

	res, err := o.Process(context.Background(), "tell me something interesting", "b1", "u1", "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, gateway.calls)
	assert.Equal(t, llm.TaskSimpleQA, gateway.tasks[0])
	assert.Equal(t, "Hello there!", res.Response.Content)
	assert.Empty(t, res.Response.SkillID)
}

func TestMemoryExtractionAlwaysRuns(t *testing.T) {
	t.Parallel()
	gateway := &countingGateway{}
	o := newTestOrchestrator(&fakeLoader{bot: persistence.Bot{ID: "b1"}}, gateway, Options{})

	// A builtin-handled message that also states a fact.
	res, err := o.Process(context.Background(), "my name is Ada, what time is it in Tokyo?", "b1", "u1", "s1")
	require.NoError(t, err)

	var memWrite *MemoryWritePayload
	for _, e := range res.SideEffects {
		if e.Type == EffectMemoryWrite {
			memWrite = e.MemoryWrite
		}
	}
	require.NotNil(t, memWrite)
	assert.Equal(t, "b1", memWrite.BotID)
	assert.Equal(t, "u1", memWrite.UserID)
	require.NotEmpty(t, memWrite.Facts)
	assert.Equal(t, "name", memWrite.Facts[0].Key)
}
