package orchestrator

import (
	"time"

	"kilo/internal/learning"
	"kilo/internal/persistence"
	"kilo/internal/skills"
)

// SideEffectType tags the side-effect union.
type SideEffectType string

const (
	EffectMemoryWrite          SideEffectType = "memory_write"
	EffectSkillDataWrite       SideEffectType = "skill_data_write"
	EffectScheduleNotification SideEffectType = "schedule_notification"
	EffectSkillProposal        SideEffectType = "skill_proposal"
	EffectAnalyticsEvent       SideEffectType = "analytics_event"
	EffectAPICall              SideEffectType = "api_call"
	EffectLearningProposal     SideEffectType = "learning_proposal"
)

// SideEffect is a tagged variant describing deferred work for the caller.
// Exactly one payload field is set, matching Type.
type SideEffect struct {
	Type SideEffectType `json:"type"`

	MemoryWrite          *MemoryWritePayload      `json:"memoryWrite,omitempty"`
	SkillDataWrite       *SkillDataWritePayload   `json:"skillDataWrite,omitempty"`
	ScheduleNotification *SchedulePayload         `json:"scheduleNotification,omitempty"`
	SkillProposal        *skills.Proposal         `json:"skillProposal,omitempty"`
	AnalyticsEvent       *AnalyticsPayload        `json:"analyticsEvent,omitempty"`
	APICall              *APICallPayload          `json:"apiCall,omitempty"`
	LearningProposal     *LearningProposalPayload `json:"learningProposal,omitempty"`
}

// MemoryWritePayload carries extracted facts to persist.
type MemoryWritePayload struct {
	BotID  string                   `json:"botId"`
	UserID string                   `json:"userId"`
	Facts  []persistence.MemoryFact `json:"facts"`
}

// SkillDataWritePayload describes a deferred row write.
type SkillDataWritePayload struct {
	SkillID string         `json:"skillId"`
	Table   string         `json:"table"`
	Op      string         `json:"op"` // insert | update | delete
	RowID   string         `json:"rowId,omitempty"`
	Data    map[string]any `json:"data"`
}

// SchedulePayload describes a notification to schedule.
type SchedulePayload struct {
	Message   string `json:"message"`
	At        string `json:"at"`
	Recurring bool   `json:"recurring,omitempty"`
}

// AnalyticsPayload is a loose analytics event.
type AnalyticsPayload struct {
	Event string         `json:"event"`
	Props map[string]any `json:"props,omitempty"`
}

// APICallPayload records one outbound tool call. Status 0 means the call
// itself failed.
type APICallPayload struct {
	ToolName  string `json:"toolName"`
	Endpoint  string `json:"endpoint"`
	Status    int    `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
}

// LearningProposalPayload carries a completed research outcome.
type LearningProposalPayload struct {
	ServiceName   string            `json:"serviceName"`
	Slug          string            `json:"slug"`
	API           learning.APIInfo  `json:"api"`
	SkillCount    int               `json:"skillCount"`
	EndpointCount int               `json:"endpointCount"`
	ResearchedAt  time.Time         `json:"researchedAt"`
	Outcome       *learning.Outcome `json:"-"`
}
