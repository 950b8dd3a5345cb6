// Package prompt deterministically assembles gateway requests from already
// loaded context. Everything here is pure string and schema assembly; no
// I/O happens after composition starts.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"kilo/internal/llm"
	"kilo/internal/persistence"
)

const snapshotRowLimit = 10

// ColumnInfo describes one column of a skill data table.
type ColumnInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"notNull"`
}

// TableSchema describes one readable table.
type TableSchema struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// DataSnapshot is a bounded preview of the skill's current data.
type DataSnapshot struct {
	Rows  []map[string]any `json:"rows"`
	Total int              `json:"total"`
}

// Inputs carries everything selective loading produced.
type Inputs struct {
	Bot         persistence.Bot
	Skill       *persistence.SkillDefinition
	AllSkills   []persistence.SkillDefinition
	History     []persistence.Message
	Memory      []persistence.MemoryFact
	RAGChunks   []string
	Tables      []TableSchema
	Snapshot    *DataSnapshot
	Tools       []persistence.ToolEntry
	UserMessage string
}

// Composed is the assembled gateway request body.
type Composed struct {
	System   string
	Messages []llm.Message
	Tools    []llm.ToolSchema
}

// ComposeSkillPrompt builds the prompt for a matched skill.
func ComposeSkillPrompt(in Inputs) Composed {
	var sys strings.Builder

	writeIdentity(&sys, in.Bot)
	writeSoul(&sys, in.Bot.Soul)

	skill := in.Skill
	fmt.Fprintf(&sys, "## Active Skill: %s\n", skill.Name)
	if skill.Description != "" {
		fmt.Fprintf(&sys, "Purpose: %s\n", skill.Description)
	}
	fmt.Fprintf(&sys, "Behavior: %s\n\n", skill.BehaviorPrompt)

	if len(in.Tables) > 0 {
		sys.WriteString("## Available Data Tables\n")
		for _, t := range in.Tables {
			fmt.Fprintf(&sys, "- %s:", t.Name)
			for i, c := range t.Columns {
				if i > 0 {
					sys.WriteString(",")
				}
				fmt.Fprintf(&sys, " %s %s", c.Name, c.Type)
				if c.NotNull {
					sys.WriteString(" NOT NULL")
				}
			}
			sys.WriteString("\n")
		}
		sys.WriteString("\n")
	}

	if in.Snapshot != nil {
		fmt.Fprintf(&sys, "## Current Data (%d rows total)\n", in.Snapshot.Total)
		rows := in.Snapshot.Rows
		if len(rows) > snapshotRowLimit {
			rows = rows[:snapshotRowLimit]
		}
		for _, row := range rows {
			if encoded, err := json.Marshal(row); err == nil {
				sys.Write(encoded)
				sys.WriteString("\n")
			}
		}
		sys.WriteString("\n")
	}

	writeMemory(&sys, in.Memory)

	if len(in.RAGChunks) > 0 {
		sys.WriteString("## Knowledge\n")
		for _, chunk := range in.RAGChunks {
			sys.WriteString(chunk)
			sys.WriteString("\n---\n")
		}
		sys.WriteString("\n")
	}

	if len(in.Tools) > 0 {
		sys.WriteString("## API Integrations\n")
		for _, tool := range in.Tools {
			fmt.Fprintf(&sys, "- %s (%s)\n", tool.Name, tool.BaseURL)
			for _, ep := range tool.Endpoints {
				fmt.Fprintf(&sys, "  - %s %s: %s\n", ep.Method, ep.Path, ep.Description)
			}
		}
		sys.WriteString("\n")
	}

	sys.WriteString("## Constraints\n")
	sys.WriteString("- Keep responses concise.\n")
	sys.WriteString("- Use query_skill_data to read stored data; never guess at stored values.\n")
	sys.WriteString("- Use insert_skill_data to record new entries.\n")
	sys.WriteString("- Never fabricate data, citations, or API results.\n")

	return Composed{
		System:   sys.String(),
		Messages: buildMessages(in.History, in.UserMessage),
		Tools:    synthesizeTools(skill, in.Tools),
	}
}

// ComposeGeneralPrompt builds the no-skill conversational prompt.
func ComposeGeneralPrompt(in Inputs) Composed {
	var sys strings.Builder

	writeIdentity(&sys, in.Bot)
	if in.Bot.Soul.Empty() {
		sys.WriteString("You are a helpful personal assistant. Be warm, direct, and practical.\n\n")
	} else {
		writeSoul(&sys, in.Bot.Soul)
	}

	sys.WriteString("## Capabilities\n")
	sys.WriteString("- Answer questions and hold open-ended conversation.\n")
	sys.WriteString("- Learn new APIs when asked (e.g. \"learn how to use Stripe\").\n")
	sys.WriteString("- Gain new skills when the user describes a repeatable need.\n\n")

	if len(in.AllSkills) > 0 {
		sys.WriteString("## Current Skills\n")
		for _, s := range in.AllSkills {
			fmt.Fprintf(&sys, "- %s: %s\n", s.Name, s.Description)
		}
		sys.WriteString("\n")
	}

	writeMemory(&sys, in.Memory)

	return Composed{
		System:   sys.String(),
		Messages: buildMessages(in.History, in.UserMessage),
		Tools:    []llm.ToolSchema{scheduleNotificationTool()},
	}
}

func writeIdentity(sys *strings.Builder, bot persistence.Bot) {
	fmt.Fprintf(sys, "You are %s.\n", bot.Name)
	if bot.Personality != "" {
		fmt.Fprintf(sys, "%s\n", bot.Personality)
	}
	sys.WriteString("\n")
}

// writeSoul renders the five layers in a fixed order, omitting empty ones.
func writeSoul(sys *strings.Builder, soul *persistence.Soul) {
	if soul.Empty() {
		return
	}
	sys.WriteString("## Personality\n")
	layers := []struct {
		label  string
		values []string
	}{
		{"Traits", soul.Traits},
		{"Values", soul.Values},
		{"Style", soul.Style},
		{"Rules", soul.Rules},
		{"Decision Framework", soul.DecisionFramework},
	}
	for _, layer := range layers {
		if len(layer.values) == 0 {
			continue
		}
		fmt.Fprintf(sys, "%s: %s\n", layer.label, strings.Join(layer.values, "; "))
	}
	sys.WriteString("\n")
}

func writeMemory(sys *strings.Builder, facts []persistence.MemoryFact) {
	if len(facts) == 0 {
		return
	}
	sys.WriteString("## What You Know About The User\n")
	for _, f := range facts {
		fmt.Fprintf(sys, "- %s: %s\n", f.Key, f.Value)
	}
	sys.WriteString("\n")
}

func buildMessages(history []persistence.Message, userMessage string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, llm.Message{Role: "user", Content: userMessage})
}

// synthesizeTools derives the tool set from the skill's shape.
func synthesizeTools(skill *persistence.SkillDefinition, tools []persistence.ToolEntry) []llm.ToolSchema {
	var out []llm.ToolSchema

	if len(skill.ReadableTables) > 0 {
		out = append(out, llm.ToolSchema{
			Name:        "query_skill_data",
			Description: "Run a read-only SQL query against the skill's data tables: " + strings.Join(skill.ReadableTables, ", "),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{"type": "string", "description": "A single SELECT statement."},
				},
				"required": []string{"sql"},
			},
		})
	}

	if skill.DataTable != "" {
		out = append(out,
			llm.ToolSchema{
				Name:        "insert_skill_data",
				Description: "Insert one row into " + skill.DataTable + ".",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"data": map[string]any{"type": "object", "description": "Column values for the new row."},
					},
					"required": []string{"data"},
				},
			},
			llm.ToolSchema{
				Name:        "update_skill_data",
				Description: "Update one row of " + skill.DataTable + " by id.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":   map[string]any{"type": "string"},
						"data": map[string]any{"type": "object", "description": "Column values to change."},
					},
					"required": []string{"id", "data"},
				},
			},
		)
	}

	out = append(out, scheduleNotificationTool())

	if len(tools) > 0 {
		names := make([]string, 0, len(tools))
		var catalog strings.Builder
		methods := map[string]bool{}
		for _, t := range tools {
			names = append(names, t.Name)
			fmt.Fprintf(&catalog, "%s (%s):\n", t.Name, t.BaseURL)
			for _, ep := range t.Endpoints {
				fmt.Fprintf(&catalog, "  %s %s: %s\n", ep.Method, ep.Path, ep.Description)
				methods[strings.ToUpper(ep.Method)] = true
			}
		}
		methodEnum := make([]string, 0, len(methods))
		for m := range methods {
			methodEnum = append(methodEnum, m)
		}
		if len(methodEnum) == 0 {
			methodEnum = []string{"GET"}
		}
		out = append(out, llm.ToolSchema{
			Name:        "call_api",
			Description: "Call a declared external API endpoint. Available endpoints:\n" + catalog.String(),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool":     map[string]any{"type": "string", "enum": names},
					"endpoint": map[string]any{"type": "string", "description": "The endpoint path to call."},
					"method":   map[string]any{"type": "string", "enum": methodEnum},
					"body":     map[string]any{"type": "object"},
				},
				"required": []string{"tool", "endpoint", "method"},
			},
		})
	}
	return out
}

func scheduleNotificationTool() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "schedule_notification",
		Description: "Schedule a notification for the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message":   map[string]any{"type": "string"},
				"at":        map[string]any{"type": "string", "description": "ISO-8601 time or cron expression."},
				"recurring": map[string]any{"type": "boolean"},
			},
			"required": []string{"message", "at"},
		},
	}
}
