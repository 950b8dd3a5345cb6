package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/persistence"
)

func toolNames(c Composed) []string {
	var names []string
	for _, t := range c.Tools {
		names = append(names, t.Name)
	}
	return names
}

func baseInputs() Inputs {
	return Inputs{
		Bot: persistence.Bot{Name: "Juno", Personality: "Cheerful and precise."},
		Skill: &persistence.SkillDefinition{
			Name:           "Coffee Tracker",
			Description:    "Tracks coffee intake.",
			BehaviorPrompt: "Record each coffee and confirm.",
			DataTable:      "coffees",
			ReadableTables: []string{"coffees"},
		},
		UserMessage: "I had a flat white",
	}
}

func TestComposeSkillPromptSectionsInOrder(t *testing.T) {
	t.Parallel()
	in := baseInputs()
	in.Bot.Soul = &persistence.Soul{Traits: []string{"curious"}, Rules: []string{"never guess"}}
	in.Tables = []TableSchema{{Name: "coffees", Columns: []ColumnInfo{
		{Name: "note", Type: "TEXT", NotNull: true},
		{Name: "mood", Type: "TEXT"},
	}}}
	in.Snapshot = &DataSnapshot{Rows: []map[string]any{{"note": "espresso"}}, Total: 12}
	in.Memory = []persistence.MemoryFact{{Key: "name", Value: "Ada"}}
	in.RAGChunks = []string{"Coffee facts chunk"}
	in.Tools = []persistence.ToolEntry{{
		Name: "roaster", BaseURL: "https://api.roaster.example.com",
		Endpoints: []persistence.Endpoint{{Path: "/beans", Method: "GET", Description: "List beans"}},
	}}

	c := ComposeSkillPrompt(in)

	sys := c.System
	sections := []string{
		"You are Juno.",
		"## Personality",
		"## Active Skill: Coffee Tracker",
		"## Available Data Tables",
		"## Current Data (12 rows total)",
		"## What You Know About The User",
		"## Knowledge",
		"## API Integrations",
		"## Constraints",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(sys, s)
		require.GreaterOrEqual(t, idx, 0, "missing section %q", s)
		assert.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
	assert.Contains(t, sys, "note TEXT NOT NULL")
	assert.Contains(t, sys, "Traits: curious")
	assert.NotContains(t, sys, "Values:")

	require.Len(t, c.Messages, 1)
	assert.Equal(t, "user", c.Messages[0].Role)
}

func TestComposeSkillPromptToolSynthesis(t *testing.T) {
	t.Parallel()

	t.Run("full shape", func(t *testing.T) {
		in := baseInputs()
		in.Tools = []persistence.ToolEntry{{
			Name: "roaster", BaseURL: "https://api.roaster.example.com",
			Endpoints: []persistence.Endpoint{{Path: "/beans", Method: "get", Description: "List beans"}},
		}}
		c := ComposeSkillPrompt(in)
		assert.Equal(t, []string{
			"query_skill_data", "insert_skill_data", "update_skill_data",
			"schedule_notification", "call_api",
		}, toolNames(c))

		// The call_api description embeds the endpoint catalog.
		callAPI := c.Tools[4]
		assert.Contains(t, callAPI.Description, "/beans")
		props := callAPI.Parameters["properties"].(map[string]any)
		toolEnum := props["tool"].(map[string]any)["enum"].([]string)
		assert.Equal(t, []string{"roaster"}, toolEnum)
	})

	t.Run("no data table", func(t *testing.T) {
		in := baseInputs()
		in.Skill.DataTable = ""
		in.Skill.ReadableTables = nil
		c := ComposeSkillPrompt(in)
		assert.Equal(t, []string{"schedule_notification"}, toolNames(c))
	})
}

func TestComposeSkillPromptSnapshotRowCap(t *testing.T) {
	t.Parallel()
	in := baseInputs()
	rows := make([]map[string]any, 25)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	in.Snapshot = &DataSnapshot{Rows: rows, Total: 25}
	c := ComposeSkillPrompt(in)
	assert.Equal(t, 10, strings.Count(c.System, `{"n":`))
}

func TestComposeGeneralPrompt(t *testing.T) {
	t.Parallel()
	in := Inputs{
		Bot: persistence.Bot{Name: "Juno"},
		AllSkills: []persistence.SkillDefinition{
			{Name: "Coffee Tracker", Description: "Tracks coffee."},
		},
		History: []persistence.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello!"},
		},
		UserMessage: "what can you do?",
	}
	c := ComposeGeneralPrompt(in)

	assert.Contains(t, c.System, "## Capabilities")
	assert.Contains(t, c.System, "Coffee Tracker: Tracks coffee.")
	// Fallback personality kicks in without a Soul.
	assert.Contains(t, c.System, "helpful personal assistant")

	require.Len(t, c.Messages, 3)
	assert.Equal(t, "user", c.Messages[0].Role)
	assert.Equal(t, "assistant", c.Messages[1].Role)
	assert.Equal(t, "what can you do?", c.Messages[2].Content)

	assert.Equal(t, []string{"schedule_notification"}, toolNames(c))
}
