// Package persistence defines the domain model and the store contracts the
// runtime depends on. Concrete backends live in the databases subpackage.
package persistence

import (
	"context"
	"errors"
	"time"

	"kilo/internal/vault"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint would be violated.
var ErrConflict = errors.New("conflict")

// Soul is a five-layer structured personality definition.
type Soul struct {
	Traits            []string `json:"traits,omitempty"`
	Values            []string `json:"values,omitempty"`
	Style             []string `json:"style,omitempty"`
	Rules             []string `json:"rules,omitempty"`
	DecisionFramework []string `json:"decisionFramework,omitempty"`
}

// Empty reports whether every layer is empty.
func (s *Soul) Empty() bool {
	if s == nil {
		return true
	}
	return len(s.Traits) == 0 && len(s.Values) == 0 && len(s.Style) == 0 &&
		len(s.Rules) == 0 && len(s.DecisionFramework) == 0
}

// Bot is a user-owned assistant with a dedicated data schema.
type Bot struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Personality string    `json:"personality"`
	Soul        *Soul     `json:"soul,omitempty"`
	SchemaName  string    `json:"schemaName"`
	Tier        string    `json:"tier"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OutputFormat is the closed set of skill response shapes.
type OutputFormat string

const (
	OutputText           OutputFormat = "text"
	OutputStructuredCard OutputFormat = "structured_card"
	OutputNotification   OutputFormat = "notification"
	OutputAction         OutputFormat = "action"
)

// ValidOutputFormat reports membership in the closed set.
func ValidOutputFormat(f OutputFormat) bool {
	switch f {
	case OutputText, OutputStructuredCard, OutputNotification, OutputAction:
		return true
	}
	return false
}

// Provenance records how a skill came to exist.
type Provenance string

const (
	CreatedBySystem       Provenance = "system"
	CreatedByConversation Provenance = "user_conversation"
	CreatedByProposal     Provenance = "auto_proposed"
)

// SkillDefinition is a persistent capability owned by a bot.
type SkillDefinition struct {
	ID                   string         `json:"id"`
	BotID                string         `json:"botId"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	TriggerPatterns      []string       `json:"triggerPatterns"`
	BehaviorPrompt       string         `json:"behaviorPrompt"`
	InputSchema          map[string]any `json:"inputSchema,omitempty"`
	OutputFormat         OutputFormat   `json:"outputFormat"`
	Schedule             string         `json:"schedule,omitempty"`
	DataTable            string         `json:"dataTable,omitempty"`
	ReadableTables       []string       `json:"readableTables,omitempty"`
	GeneratedDDL         string         `json:"generatedDdl,omitempty"`
	RequiredIntegrations []string       `json:"requiredIntegrations,omitempty"`
	CreatedBy            Provenance     `json:"createdBy"`
	Version              int            `json:"version"`
	PerformanceScore     float64        `json:"performanceScore"`
	Active               bool           `json:"active"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// AuthKind enumerates supported tool authentication schemes.
type AuthKind string

const (
	AuthAPIKey       AuthKind = "api_key"
	AuthBearer       AuthKind = "bearer"
	AuthOAuth2       AuthKind = "oauth2"
	AuthCustomHeader AuthKind = "custom_header"
)

// Endpoint describes one callable path on an external API.
type Endpoint struct {
	Path           string         `json:"path"`
	Method         string         `json:"method"`
	Description    string         `json:"description"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ResponseSchema map[string]any `json:"responseSchema,omitempty"`
}

// ToolEntry binds a bot to an external API. EncryptedAuth never leaves the
// runtime; API projections must strip it.
type ToolEntry struct {
	ID            string          `json:"id"`
	BotID         string          `json:"botId"`
	Name          string          `json:"name"`
	BaseURL       string          `json:"baseUrl"`
	AuthKind      AuthKind        `json:"authKind"`
	EncryptedAuth vault.Encrypted `json:"-"`
	Endpoints     []Endpoint      `json:"endpoints"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Message is one persisted conversation turn. SkillID is a weak reference:
// it is nulled when the skill is deleted, and non-UUID (builtin) identifiers
// are nulled at the persistence boundary.
type Message struct {
	ID          string    `json:"messageId"`
	SessionID   string    `json:"sessionId"`
	BotID       string    `json:"botId"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	SkillID     *string   `json:"skillId,omitempty"`
	CreatedAt   time.Time `json:"timestamp"`
}

// FactSource describes how a memory fact was obtained.
type FactSource string

const (
	FactUserStated FactSource = "user_stated"
	FactInferred   FactSource = "inferred"
	FactDocument   FactSource = "document"
)

// MemoryFact is one extracted key/value fact about the user.
type MemoryFact struct {
	ID         string     `json:"id"`
	BotID      string     `json:"botId"`
	UserID     string     `json:"userId"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Source     FactSource `json:"source"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ProposalDismissal records the user declining a proposed skill; it
// suppresses similarly-named re-proposals for a window.
type ProposalDismissal struct {
	ID        string    `json:"id"`
	BotID     string    `json:"botId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// UsageRecord attributes one LLM call. CostUsd is computed at insert and
// never recomputed.
type UsageRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	BotID            *string   `json:"botId,omitempty"`
	SessionID        *string   `json:"sessionId,omitempty"`
	MessageID        *string   `json:"messageId,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	TaskType         string    `json:"taskType"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	CostUsd          float64   `json:"costUsd"`
	LatencyMs        int64     `json:"latencyMs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ModelPricing holds per-million-token costs for one model.
type ModelPricing struct {
	Model          string  `json:"model"`
	Provider       string  `json:"provider"`
	InputCostPerM  float64 `json:"inputCostPerM"`
	OutputCostPerM float64 `json:"outputCostPerM"`
}

// UsageSummary aggregates usage between two dates.
type UsageSummary struct {
	TotalCostUsd          float64            `json:"totalCostUsd"`
	TotalPromptTokens     int64              `json:"totalPromptTokens"`
	TotalCompletionTokens int64              `json:"totalCompletionTokens"`
	RequestCount          int64              `json:"requestCount"`
	ByProvider            map[string]float64 `json:"byProvider"`
}

// UsageBucket is one row of a grouped usage breakdown.
type UsageBucket struct {
	Key              string  `json:"key"`
	CostUsd          float64 `json:"costUsd"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	RequestCount     int64   `json:"requestCount"`
}

// BotStore manages bots. Create provisions the bot's schema and Delete drops
// it, each in a single transaction with the row change.
type BotStore interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, b Bot) (Bot, error)
	Get(ctx context.Context, id string) (Bot, error)
	ListByUser(ctx context.Context, userID string) ([]Bot, error)
	Update(ctx context.Context, b Bot) (Bot, error)
	Delete(ctx context.Context, id string) error
}

// SkillStore manages skill definitions.
type SkillStore interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, s SkillDefinition) (SkillDefinition, error)
	Get(ctx context.Context, id string) (SkillDefinition, error)
	ListByBot(ctx context.Context, botID string) ([]SkillDefinition, error)
	ListActiveByBot(ctx context.Context, botID string) ([]SkillDefinition, error)
	CountByBot(ctx context.Context, botID string) (int, error)
	Update(ctx context.Context, s SkillDefinition) (SkillDefinition, error)
	Delete(ctx context.Context, id string) error
}

// ToolStore manages per-bot external API bindings.
type ToolStore interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, t ToolEntry) (ToolEntry, error)
	Get(ctx context.Context, id string) (ToolEntry, error)
	ListByBot(ctx context.Context, botID string) ([]ToolEntry, error)
	ListByNames(ctx context.Context, botID string, names []string) ([]ToolEntry, error)
	Update(ctx context.Context, t ToolEntry) (ToolEntry, error)
	Delete(ctx context.Context, id string) error
}

// MessageStore persists conversation turns.
type MessageStore interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, m Message) (Message, error)
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
	LastAssistant(ctx context.Context, sessionID string) (Message, error)
}

// MemoryStore persists extracted facts.
type MemoryStore interface {
	Init(ctx context.Context) error
	Upsert(ctx context.Context, f MemoryFact) (MemoryFact, error)
	ListByBotUser(ctx context.Context, botID, userID string) ([]MemoryFact, error)
}

// DismissalStore persists proposal dismissals.
type DismissalStore interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, d ProposalDismissal) (ProposalDismissal, error)
	ListSince(ctx context.Context, botID string, since time.Time) ([]ProposalDismissal, error)
}

// UsageStore persists LLM usage records and serves aggregate queries.
type UsageStore interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, r UsageRecord) error
	Summary(ctx context.Context, userID string, start, end *time.Time) (UsageSummary, error)
	Breakdown(ctx context.Context, userID, groupBy string) ([]UsageBucket, error)
}

// PricingStore serves the model pricing catalog.
type PricingStore interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, model string) (ModelPricing, error)
	List(ctx context.Context) ([]ModelPricing, error)
	Upsert(ctx context.Context, p ModelPricing) error
}

// Stores bundles every store contract for wiring.
type Stores struct {
	Bots       BotStore
	Skills     SkillStore
	Tools      ToolStore
	Messages   MessageStore
	Memory     MemoryStore
	Usage      UsageStore
	Pricing    PricingStore
	Dismissals DismissalStore
}
