// Package orchestrator drives the per-message pipeline: learning detection,
// skill matching, selective context loading, prompt composition, gateway
// calls, tool-call interpretation, and side-effect emission. It sequences;
// the business logic lives in the packages it composes.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"kilo/internal/builtin"
	"kilo/internal/httptool"
	"kilo/internal/learning"
	"kilo/internal/llm"
	"kilo/internal/memory"
	"kilo/internal/persistence"
	"kilo/internal/prompt"
	"kilo/internal/skills"
	"kilo/internal/sqlsandbox"
	"kilo/internal/vault"
)

// DataLoader is the narrow port for everything the pipeline reads. The
// production implementation is cache-first; tests swap in fakes.
type DataLoader interface {
	BotConfig(ctx context.Context, botID string) (persistence.Bot, error)
	ActiveSkills(ctx context.Context, botID string) ([]persistence.SkillDefinition, error)
	History(ctx context.Context, sessionID string, depth int) ([]persistence.Message, error)
	LastAssistant(ctx context.Context, sessionID string) (persistence.Message, error)
	MemoryFacts(ctx context.Context, botID, userID string) ([]persistence.MemoryFact, error)
	RAGChunks(ctx context.Context, botID, query string) ([]string, error)
	TableSchemas(ctx context.Context, bot persistence.Bot, skill persistence.SkillDefinition) ([]prompt.TableSchema, error)
	SkillData(ctx context.Context, bot persistence.Bot, skill persistence.SkillDefinition) (*prompt.DataSnapshot, error)
	ToolsByNames(ctx context.Context, botID string, names []string) ([]persistence.ToolEntry, error)
	RecentDismissals(ctx context.Context, botID string) ([]skills.Dismissal, error)
	RecordDismissal(ctx context.Context, botID, name string) error
}

// LearningRunner runs the web research flow.
type LearningRunner interface {
	Run(ctx context.Context, serviceName, query string) (*learning.Outcome, error)
}

// ToolCaller executes outbound API calls.
type ToolCaller interface {
	Execute(ctx context.Context, req httptool.Request) (*httptool.Response, error)
}

// SkillDataReader runs sandboxed reads against skill data.
type SkillDataReader interface {
	Query(ctx context.Context, schemaName, sql string, allowed []string) (sqlsandbox.Result, error)
}

// Response is the user-facing half of a processed message.
type Response struct {
	Content          string         `json:"content"`
	SkillID          string         `json:"skillId,omitempty"`
	SuggestedActions []string       `json:"suggestedActions,omitempty"`
	StructuredCard   map[string]any `json:"structuredCard,omitempty"`
	ThinkingSummary  string         `json:"thinkingSummary,omitempty"`
}

// Result bundles the response with the deferred side effects.
type Result struct {
	Response    Response
	SideEffects []SideEffect
}

// Orchestrator wires the pipeline's collaborators.
type Orchestrator struct {
	loader   DataLoader
	gateway  llm.Gateway
	registry *builtin.Registry
	matcher  *skills.Matcher
	proposer *skills.Proposer
	learning LearningRunner
	tools    ToolCaller
	reader   SkillDataReader
	vault    *vault.Vault
	now      func() time.Time
}

// Options carries optional collaborators.
type Options struct {
	Learning LearningRunner
	Tools    ToolCaller
	Reader   SkillDataReader
	Vault    *vault.Vault
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New builds an orchestrator.
func New(loader DataLoader, gateway llm.Gateway, registry *builtin.Registry, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		loader:   loader,
		gateway:  gateway,
		registry: registry,
		matcher:  skills.NewMatcher(),
		proposer: skills.NewProposer(),
		learning: opts.Learning,
		tools:    opts.Tools,
		reader:   opts.Reader,
		vault:    opts.Vault,
		now:      now,
	}
}

// Process runs the whole pipeline for one message.
func (o *Orchestrator) Process(ctx context.Context, message, botID, userID, sessionID string) (*Result, error) {
	// Bot config and active skills load concurrently; both are needed for
	// every branch below.
	var bot persistence.Bot
	var botSkills []persistence.SkillDefinition
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bot, err = o.loader.BotConfig(gctx, botID)
		return err
	})
	g.Go(func() error {
		var err error
		botSkills, err = o.loader.ActiveSkills(gctx, botID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{}
	defer func() {
		// Memory extraction runs on the original text no matter which branch
		// answered.
		if facts := memory.Extract(message); len(facts) > 0 {
			result.SideEffects = append(result.SideEffects, SideEffect{
				Type:        EffectMemoryWrite,
				MemoryWrite: &MemoryWritePayload{BotID: botID, UserID: userID, Facts: facts},
			})
		}
	}()

	ctx = llm.WithAttribution(ctx, llm.Attribution{UserID: userID, BotID: &botID, SessionID: &sessionID})

	// A pending clarification from the previous turn takes precedence over
	// fresh intent detection.
	if handled, err := o.handleClarificationReply(ctx, message, sessionID, result); err != nil {
		return nil, err
	} else if handled {
		return result, nil
	}

	// A "no thanks" to last turn's skill proposal is recorded before the
	// message continues down the normal pipeline.
	o.handleProposalReply(ctx, message, botID, sessionID, result)

	if intent := learning.DetectIntent(message); intent != nil {
		switch {
		case intent.Confidence >= 0.7:
			if err := o.runLearning(ctx, intent.Capability, intent.Capability+" API", result); err != nil {
				return nil, err
			}
			return result, nil
		case intent.Confidence >= 0.5:
			result.Response = Response{Content: learning.ClarificationPrompt(intent.Capability)}
			return result, nil
		}
	}

	candidates := append(o.registry.Definitions(), botSkills...)
	match := o.matcher.Match(message, candidates)

	if match != nil && o.registry.IsBuiltin(match.Skill.ID) {
		// Built-in handlers answer without the LLM.
		resp, err := o.registry.Handle(match.Skill.ID, message, o.now())
		if err != nil {
			return nil, err
		}
		result.Response = Response{
			Content:          resp.Content,
			SkillID:          resp.SkillID,
			SuggestedActions: resp.SuggestedActions,
		}
		return result, nil
	}

	if match != nil {
		if err := o.runSkill(ctx, bot, *match, message, userID, sessionID, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	// No skill matched: see whether the message describes a repeatable need
	// before falling back to open conversation.
	dismissals, err := o.loader.RecentDismissals(ctx, botID)
	if err != nil {
		log.Debug().Err(err).Msg("orchestrator_dismissals_load_failed")
	}
	if proposal := o.proposer.Propose(message, dismissals, o.now()); proposal != nil {
		result.SideEffects = append(result.SideEffects, SideEffect{
			Type:          EffectSkillProposal,
			SkillProposal: proposal,
		})
		result.Response = Response{
			Content: skills.BuildProposalMarker(proposal.Name) + "\n" +
				fmt.Sprintf("It sounds like this comes up regularly. Want me to set up a **%s** skill for you? "+
					"I'd remember every entry and you could ask me about them any time.", proposal.Name),
			SuggestedActions: []string{"Yes, create it", "No thanks"},
		}
		return result, nil
	}

	if err := o.runGeneral(ctx, bot, botSkills, message, userID, sessionID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// handleProposalReply records a dismissal when the previous turn proposed a
// skill and the user declined it. The message still flows through the
// normal pipeline afterwards.
func (o *Orchestrator) handleProposalReply(ctx context.Context, message, botID, sessionID string, result *Result) {
	last, err := o.loader.LastAssistant(ctx, sessionID)
	if err != nil {
		return
	}
	name, ok := skills.ExtractProposalMarker(last.Content)
	if !ok || !skills.IsDismissalReply(message) {
		return
	}
	if err := o.loader.RecordDismissal(ctx, botID, name); err != nil {
		log.Warn().Err(err).Str("proposal", name).Msg("orchestrator_dismissal_record_failed")
		return
	}
	result.SideEffects = append(result.SideEffects, SideEffect{
		Type: EffectAnalyticsEvent,
		AnalyticsEvent: &AnalyticsPayload{
			Event: "skill_proposal_dismissed",
			Props: map[string]any{"name": name},
		},
	})
}

// handleClarificationReply resolves a pending learning clarification.
func (o *Orchestrator) handleClarificationReply(ctx context.Context, message, sessionID string, result *Result) (bool, error) {
	last, err := o.loader.LastAssistant(ctx, sessionID)
	if err != nil {
		return false, nil // no previous turn, nothing pending
	}
	capability, ok := learning.ExtractMarker(last.Content)
	if !ok {
		return false, nil
	}
	query, action := learning.ClassifyReply(capability, message)
	switch action {
	case learning.ReplyAbort, learning.ReplyUnclear:
		// Fall through to the normal pipeline.
		return false, nil
	default:
		service := strings.TrimSuffix(strings.TrimSpace(query), " API")
		if err := o.runLearning(ctx, service, query, result); err != nil {
			return false, err
		}
		return true, nil
	}
}

// runLearning executes the research flow and formats its outcome.
func (o *Orchestrator) runLearning(ctx context.Context, serviceName, query string, result *Result) error {
	if o.learning == nil {
		result.Response = Response{Content: "I can't research new APIs right now; web research isn't configured."}
		return nil
	}
	outcome, err := o.learning.Run(ctx, serviceName, query)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I've researched the **%s** API.\n\n", outcome.ServiceName)
	fmt.Fprintf(&b, "- Base URL: `%s`\n", outcome.API.BaseURL)
	fmt.Fprintf(&b, "- Endpoints found: %d\n", len(outcome.API.Endpoints))
	fmt.Fprintf(&b, "- Authentication: %s", outcome.API.AuthType)
	if outcome.API.AuthInstructions != "" {
		fmt.Fprintf(&b, " — %s", outcome.API.AuthInstructions)
	}
	b.WriteString("\n")
	if len(outcome.Skills) > 0 {
		b.WriteString("\nI can set up these skills once you add credentials:\n")
		for _, s := range outcome.Skills {
			fmt.Fprintf(&b, "- **%s**: %s\n", s.Name, s.Description)
		}
	}

	result.SideEffects = append(result.SideEffects, SideEffect{
		Type: EffectLearningProposal,
		LearningProposal: &LearningProposalPayload{
			ServiceName:   outcome.ServiceName,
			Slug:          outcome.Slug,
			API:           outcome.API,
			SkillCount:    len(outcome.Skills),
			EndpointCount: len(outcome.API.Endpoints),
			ResearchedAt:  o.now(),
			Outcome:       outcome,
		},
	})
	result.Response = Response{
		Content:          b.String(),
		SuggestedActions: []string{"Add credentials", "Create the proposed skills"},
	}
	return nil
}

// runSkill executes the matched-skill branch: selective loading, prompt
// composition, the gateway call, and tool-call interpretation.
func (o *Orchestrator) runSkill(ctx context.Context, bot persistence.Bot, match skills.Match, message, userID, sessionID string, result *Result) error {
	skill := match.Skill

	var toolEntries []persistence.ToolEntry
	if len(skill.RequiredIntegrations) > 0 {
		var err error
		toolEntries, err = o.loader.ToolsByNames(ctx, bot.ID, skill.RequiredIntegrations)
		if err != nil {
			return err
		}
	}

	inputs := prompt.Inputs{Bot: bot, Skill: &skill, Tools: toolEntries, UserMessage: message}

	// Selective context loads fan out in parallel and join before
	// composition.
	g, gctx := errgroup.WithContext(ctx)
	if match.Context.NeedsConversationHistory {
		g.Go(func() error {
			history, err := o.loader.History(gctx, sessionID, match.Context.HistoryDepth)
			inputs.History = history
			return err
		})
	}
	if match.Context.NeedsMemory {
		g.Go(func() error {
			facts, err := o.loader.MemoryFacts(gctx, bot.ID, userID)
			inputs.Memory = facts
			return err
		})
	}
	if match.Context.NeedsRAG {
		g.Go(func() error {
			chunks, err := o.loader.RAGChunks(gctx, bot.ID, message)
			inputs.RAGChunks = chunks
			return err
		})
	}
	if match.Context.NeedsSkillData {
		g.Go(func() error {
			snapshot, err := o.loader.SkillData(gctx, bot, skill)
			inputs.Snapshot = snapshot
			return err
		})
		g.Go(func() error {
			tables, err := o.loader.TableSchemas(gctx, bot, skill)
			inputs.Tables = tables
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	composed := prompt.ComposeSkillPrompt(inputs)
	resp, err := o.gateway.Complete(ctx, match.ModelPreference, llm.Request{
		System:   composed.System,
		Messages: composed.Messages,
		Tools:    composed.Tools,
	})
	if err != nil {
		return err
	}

	finalContent, err := o.interpretToolCalls(ctx, bot, skill, toolEntries, composed, resp, result)
	if err != nil {
		return err
	}

	content, card, actions := postProcess(finalContent, &skill)
	result.Response = Response{
		Content:          content,
		SkillID:          skill.ID,
		SuggestedActions: actions,
		StructuredCard:   card,
		ThinkingSummary:  resp.ThinkingSummary,
	}
	return nil
}

// interpretToolCalls walks the model's tool calls, emitting side effects
// for deferred writes and executing reads and API calls inline. When an
// inline execution produced data, the gateway is called once more for the
// user-facing answer.
func (o *Orchestrator) interpretToolCalls(ctx context.Context, bot persistence.Bot, skill persistence.SkillDefinition, toolEntries []persistence.ToolEntry, composed prompt.Composed, resp *llm.Response, result *Result) (string, error) {
	content := resp.Content
	var followUp []llm.Message

	for _, call := range resp.ToolCalls {
		switch call.Name {
		case "insert_skill_data":
			data, _ := call.Input["data"].(map[string]any)
			result.SideEffects = append(result.SideEffects, SideEffect{
				Type: EffectSkillDataWrite,
				SkillDataWrite: &SkillDataWritePayload{
					SkillID: skill.ID, Table: skill.DataTable, Op: "insert", Data: data,
				},
			})
		case "update_skill_data":
			data, _ := call.Input["data"].(map[string]any)
			rowID, _ := call.Input["id"].(string)
			result.SideEffects = append(result.SideEffects, SideEffect{
				Type: EffectSkillDataWrite,
				SkillDataWrite: &SkillDataWritePayload{
					SkillID: skill.ID, Table: skill.DataTable, Op: "update", RowID: rowID, Data: data,
				},
			})
		case "schedule_notification":
			msg, _ := call.Input["message"].(string)
			at, _ := call.Input["at"].(string)
			recurring, _ := call.Input["recurring"].(bool)
			result.SideEffects = append(result.SideEffects, SideEffect{
				Type:                 EffectScheduleNotification,
				ScheduleNotification: &SchedulePayload{Message: msg, At: at, Recurring: recurring},
			})
		case "query_skill_data":
			payload := o.executeSkillDataRead(ctx, bot, skill, call.Input)
			followUp = append(followUp, payload)
		case "call_api":
			payload, effect := o.executeAPICall(ctx, toolEntries, call.Input)
			result.SideEffects = append(result.SideEffects, effect)
			followUp = append(followUp, payload)
		}
	}

	if len(followUp) == 0 {
		return content, nil
	}

	// Feed execution results back as an assistant turn and ask once more
	// for the user-facing answer.
	messages := composed.Messages
	if content != "" {
		messages = append(messages, llm.Message{Role: "assistant", Content: content})
	}
	messages = append(messages, followUp...)
	messages = append(messages, llm.Message{Role: "user", Content: "Use the results above to answer my original question."})

	second, err := o.gateway.Complete(ctx, llm.TaskSkillExecution, llm.Request{
		System:   composed.System,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	return second.Content, nil
}

const toolResultCap = 8 * 1024

func (o *Orchestrator) executeSkillDataRead(ctx context.Context, bot persistence.Bot, skill persistence.SkillDefinition, input map[string]any) llm.Message {
	sql, _ := input["sql"].(string)
	if o.reader == nil || sql == "" {
		return llm.Message{Role: "assistant", Content: "Query result: unavailable"}
	}
	res, err := o.reader.Query(ctx, bot.SchemaName, sql, skill.ReadableTables)
	if err != nil {
		log.Debug().Err(err).Str("skill_id", skill.ID).Msg("orchestrator_skill_query_failed")
		return llm.Message{Role: "assistant", Content: "Query result: error: " + err.Error()}
	}
	encoded := marshalBounded(res, toolResultCap)
	return llm.Message{Role: "assistant", Content: "Query result: " + encoded}
}

// executeAPICall resolves the declared endpoint, decrypts credentials,
// builds the auth header, and runs the request. Failures still feed a
// final LLM turn with a null payload.
func (o *Orchestrator) executeAPICall(ctx context.Context, toolEntries []persistence.ToolEntry, input map[string]any) (llm.Message, SideEffect) {
	toolName, _ := input["tool"].(string)
	endpointPath, _ := input["endpoint"].(string)
	method, _ := input["method"].(string)
	body, _ := input["body"].(map[string]any)

	effect := SideEffect{Type: EffectAPICall, APICall: &APICallPayload{ToolName: toolName, Endpoint: endpointPath}}
	failure := llm.Message{Role: "assistant", Content: "API result for " + toolName + ": null"}

	var entry *persistence.ToolEntry
	for i := range toolEntries {
		if toolEntries[i].Name == toolName {
			entry = &toolEntries[i]
			break
		}
	}
	if entry == nil {
		log.Warn().Str("tool", toolName).Msg("orchestrator_api_tool_not_declared")
		return failure, effect
	}

	// The endpoint must match a declared (path, method) pair.
	var endpoint *persistence.Endpoint
	for i := range entry.Endpoints {
		if entry.Endpoints[i].Path == endpointPath && strings.EqualFold(entry.Endpoints[i].Method, method) {
			endpoint = &entry.Endpoints[i]
			break
		}
	}
	if endpoint == nil {
		log.Warn().Str("tool", toolName).Str("endpoint", endpointPath).Str("method", method).Msg("orchestrator_api_endpoint_not_declared")
		return failure, effect
	}

	headers, err := o.buildAuthHeaders(*entry)
	if err != nil {
		log.Warn().Err(err).Str("tool", toolName).Msg("orchestrator_api_credentials_failed")
		return failure, effect
	}

	if o.tools == nil {
		return failure, effect
	}
	resp, err := o.tools.Execute(ctx, httptool.Request{
		Method:  endpoint.Method,
		URL:     strings.TrimSuffix(entry.BaseURL, "/") + endpoint.Path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		log.Warn().Err(err).Str("tool", toolName).Msg("orchestrator_api_call_failed")
		return failure, effect
	}

	effect.APICall.Status = resp.Status
	effect.APICall.LatencyMs = resp.LatencyMs
	encoded := marshalBounded(resp.Body, toolResultCap)
	return llm.Message{Role: "assistant", Content: "API result for " + toolName + ": " + encoded}, effect
}

// authPayload is the decrypted credential blob's shape.
type authPayload struct {
	Key    string `json:"key"`
	Header string `json:"header,omitempty"`
}

func (o *Orchestrator) buildAuthHeaders(entry persistence.ToolEntry) (map[string]string, error) {
	if o.vault == nil {
		return nil, fmt.Errorf("credential vault not configured")
	}
	plaintext, err := o.vault.Decrypt(entry.EncryptedAuth)
	if err != nil {
		return nil, err
	}
	var auth authPayload
	if err := unmarshalJSON(plaintext, &auth); err != nil {
		return nil, fmt.Errorf("malformed credential payload")
	}
	switch entry.AuthKind {
	case persistence.AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		return map[string]string{header: auth.Key}, nil
	case persistence.AuthBearer, persistence.AuthOAuth2:
		return map[string]string{"Authorization": "Bearer " + auth.Key}, nil
	case persistence.AuthCustomHeader:
		if auth.Header == "" {
			return nil, fmt.Errorf("custom header auth requires a header name")
		}
		return map[string]string{auth.Header: auth.Key}, nil
	default:
		return nil, fmt.Errorf("unsupported auth kind %q", entry.AuthKind)
	}
}

// runGeneral composes the no-skill prompt and calls the gateway.
func (o *Orchestrator) runGeneral(ctx context.Context, bot persistence.Bot, botSkills []persistence.SkillDefinition, message, userID, sessionID string, result *Result) error {
	inputs := prompt.Inputs{Bot: bot, AllSkills: botSkills, UserMessage: message}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		history, err := o.loader.History(gctx, sessionID, 5)
		inputs.History = history
		return err
	})
	g.Go(func() error {
		facts, err := o.loader.MemoryFacts(gctx, bot.ID, userID)
		inputs.Memory = facts
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	composed := prompt.ComposeGeneralPrompt(inputs)
	resp, err := o.gateway.Complete(ctx, llm.TaskSimpleQA, llm.Request{
		System:   composed.System,
		Messages: composed.Messages,
		Tools:    composed.Tools,
	})
	if err != nil {
		return err
	}

	for _, call := range resp.ToolCalls {
		if call.Name != "schedule_notification" {
			continue
		}
		msg, _ := call.Input["message"].(string)
		at, _ := call.Input["at"].(string)
		recurring, _ := call.Input["recurring"].(bool)
		result.SideEffects = append(result.SideEffects, SideEffect{
			Type:                 EffectScheduleNotification,
			ScheduleNotification: &SchedulePayload{Message: msg, At: at, Recurring: recurring},
		})
	}

	content, card, actions := postProcess(resp.Content, nil)
	result.Response = Response{
		Content:          content,
		SuggestedActions: actions,
		StructuredCard:   card,
		ThinkingSummary:  resp.ThinkingSummary,
	}
	return nil
}
