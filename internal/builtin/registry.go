// Package builtin holds the system skills served by in-process handlers.
// A built-in match short-circuits the LLM entirely.
package builtin

import (
	"fmt"
	"time"

	"kilo/internal/persistence"
)

// Skill identifiers carry a fixed prefix; they are not UUIDs and are nulled
// out by message persistence.
const (
	IDTime     = "builtin-time"
	IDDateMath = "builtin-date-math"
	IDRandom   = "builtin-random"
)

// Response is a handler's direct answer.
type Response struct {
	Content          string   `json:"content"`
	SkillID          string   `json:"skillId"`
	SuggestedActions []string `json:"suggestedActions,omitempty"`
}

type handlerFunc func(message string, now time.Time) (*Response, error)

// Registry maps built-in skill definitions to their handlers. Read-only
// after construction.
type Registry struct {
	definitions []persistence.SkillDefinition
	handlers    map[string]handlerFunc
}

// NewRegistry builds the registry with the three stock handlers.
func NewRegistry() *Registry {
	defs := []persistence.SkillDefinition{
		{
			ID:          IDTime,
			Name:        "Time & Date",
			Description: "Tells the current time or date in a city or timezone.",
			TriggerPatterns: []string{
				"what time", "current time", "time in", "what day", "what date", "today's date",
			},
			BehaviorPrompt: "Answer time and date questions from the system clock.",
			OutputFormat:   persistence.OutputText,
			CreatedBy:      persistence.CreatedBySystem,
			Active:         true,
		},
		{
			ID:          IDDateMath,
			Name:        "Date Math",
			Description: "Computes day offsets, spans, and countdowns to dates and holidays.",
			TriggerPatterns: []string{
				"days until", "days since", "days between", "days ago", "days from now",
				"when is next", "what date is",
			},
			BehaviorPrompt: "Compute date arithmetic on midnight-normalized timestamps.",
			OutputFormat:   persistence.OutputText,
			CreatedBy:      persistence.CreatedBySystem,
			Active:         true,
		},
		{
			ID:          IDRandom,
			Name:        "Random",
			Description: "Generates UUIDs, random numbers, and passwords.",
			TriggerPatterns: []string{
				"random number", "generate uuid", "generate password", "random password", "flip coin",
			},
			BehaviorPrompt: "Generate random values with cryptographic randomness.",
			OutputFormat:   persistence.OutputText,
			CreatedBy:      persistence.CreatedBySystem,
			Active:         true,
		},
	}
	return &Registry{
		definitions: defs,
		handlers: map[string]handlerFunc{
			IDTime:     handleTime,
			IDDateMath: handleDateMath,
			IDRandom:   handleRandom,
		},
	}
}

// Definitions returns the built-in skills for matching alongside bot skills.
func (r *Registry) Definitions() []persistence.SkillDefinition {
	out := make([]persistence.SkillDefinition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

// IsBuiltin reports whether the id belongs to this registry.
func (r *Registry) IsBuiltin(id string) bool {
	_, ok := r.handlers[id]
	return ok
}

// Handle runs the handler for the given built-in skill id.
func (r *Registry) Handle(id, message string, now time.Time) (*Response, error) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("unknown builtin skill %q", id)
	}
	return h(message, now)
}
