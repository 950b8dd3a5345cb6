package main

import (
	"time"

	"kilo/internal/orchestrator"
	"kilo/internal/persistence"
)

// API request/response shapes. Error responses always use errorEnvelope.

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type chatRequest struct {
	BotID       string   `json:"botId"`
	UserID      string   `json:"userId"`
	SessionID   string   `json:"sessionId,omitempty"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type chatResponse struct {
	SessionID string                `json:"sessionId"`
	Response  orchestrator.Response `json:"response"`
}

type createBotRequest struct {
	UserID      string            `json:"userId"`
	Name        string            `json:"name"`
	Personality string            `json:"personality,omitempty"`
	Soul        *persistence.Soul `json:"soul,omitempty"`
	Tier        string            `json:"tier,omitempty"`
}

type updateBotRequest struct {
	Name        *string           `json:"name,omitempty"`
	Personality *string           `json:"personality,omitempty"`
	Soul        *persistence.Soul `json:"soul,omitempty"`
	Tier        *string           `json:"tier,omitempty"`
}

type skillRequest struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	TriggerPatterns []string       `json:"triggerPatterns"`
	BehaviorPrompt  string         `json:"behaviorPrompt"`
	InputSchema     map[string]any `json:"inputSchema,omitempty"`
	OutputFormat    string         `json:"outputFormat,omitempty"`
	Schedule        string         `json:"schedule,omitempty"`
	ReadableTables  []string       `json:"readableTables,omitempty"`
	RequiredIntegrations []string  `json:"requiredIntegrations,omitempty"`
	Active          *bool          `json:"active,omitempty"`
}

type toolRequest struct {
	Name      string                 `json:"name"`
	BaseURL   string                 `json:"baseUrl"`
	AuthKind  string                 `json:"authKind"`
	Auth      *toolAuthPayload       `json:"auth,omitempty"`
	Endpoints []persistence.Endpoint `json:"endpoints"`
	Active    *bool                  `json:"active,omitempty"`
}

// toolAuthPayload is the plaintext credential; it is encrypted before
// storage and never returned.
type toolAuthPayload struct {
	Key    string `json:"key"`
	Header string `json:"header,omitempty"`
}

// toolProjection is the API view of a tool entry; the encrypted blob is
// structurally absent.
type toolProjection struct {
	ID        string                 `json:"id"`
	BotID     string                 `json:"botId"`
	Name      string                 `json:"name"`
	BaseURL   string                 `json:"baseUrl"`
	AuthKind  string                 `json:"authKind"`
	Endpoints []persistence.Endpoint `json:"endpoints"`
	Active    bool                   `json:"active"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

func projectTool(t persistence.ToolEntry) toolProjection {
	return toolProjection{
		ID:        t.ID,
		BotID:     t.BotID,
		Name:      t.Name,
		BaseURL:   t.BaseURL,
		AuthKind:  string(t.AuthKind),
		Endpoints: t.Endpoints,
		Active:    t.Active,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Cache    bool   `json:"cache"`
	LLM      bool   `json:"llm"`
}
