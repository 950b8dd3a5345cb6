package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/llm"
	"kilo/internal/persistence"
)

func skillWith(name string, patterns ...string) persistence.SkillDefinition {
	return persistence.SkillDefinition{
		ID:              "s-" + name,
		Name:            name,
		TriggerPatterns: patterns,
		BehaviorPrompt:  "Do the thing.",
		Active:          true,
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"track", "coffee", "intake"}, Tokenize("Track my coffee intake!"))
	assert.Empty(t, Tokenize("a I ? ."))
	assert.Equal(t, []string{"log3", "runs"}, Tokenize("log3 runs"))
}

func TestFastMatchRequiresFullPatternContainment(t *testing.T) {
	t.Parallel()
	skills := []persistence.SkillDefinition{skillWith("Sales", "log daily sales total")}

	// One pattern token missing from the message: no match, regardless of
	// how many of the others appear.
	assert.Nil(t, fastMatch("log daily sales", skills))

	// All pattern tokens present: match.
	m := fastMatch("please log daily sales total for me", skills)
	require.NotNil(t, m)
	assert.True(t, m.Definitive)
}

func TestFastMatchPrecisionFavorsTightMessages(t *testing.T) {
	t.Parallel()
	skills := []persistence.SkillDefinition{skillWith("Coffee", "track coffee")}

	tight := fastMatch("track coffee", skills)
	loose := fastMatch("could you maybe track coffee along with everything else today", skills)
	require.NotNil(t, tight)
	require.NotNil(t, loose)
	assert.Greater(t, tight.Score, loose.Score)
}

func TestFastMatchIgnoresInactiveSkills(t *testing.T) {
	t.Parallel()
	s := skillWith("Coffee", "track coffee")
	s.Active = false
	assert.Nil(t, fastMatch("track coffee", []persistence.SkillDefinition{s}))
}

func TestFastMatchPicksBestPattern(t *testing.T) {
	t.Parallel()
	a := skillWith("Workouts", "log workout", "record exercise session")
	b := skillWith("Meals", "log meal")
	m := fastMatch("log workout", []persistence.SkillDefinition{a, b})
	require.NotNil(t, m)
	assert.Equal(t, "Workouts", m.Skill.Name)
	assert.Equal(t, "log workout", m.Pattern)
}

func TestMatcherDerivesContextRequirements(t *testing.T) {
	t.Parallel()
	matcher := NewMatcher()

	t.Run("plain skill wants history and memory", func(t *testing.T) {
		s := skillWith("Chat", "daily checkin")
		m := matcher.Match("daily checkin", []persistence.SkillDefinition{s})
		require.NotNil(t, m)
		assert.True(t, m.Context.NeedsConversationHistory)
		assert.Equal(t, 5, m.Context.HistoryDepth)
		assert.True(t, m.Context.NeedsMemory)
		assert.False(t, m.Context.NeedsRAG)
		assert.Equal(t, llm.TaskSkillExecution, m.ModelPreference)
	})

	t.Run("scheduled skill skips history and prefers simple_qa", func(t *testing.T) {
		s := skillWith("Digest", "morning digest")
		s.Schedule = "0 8 * * *"
		m := matcher.Match("morning digest", []persistence.SkillDefinition{s})
		require.NotNil(t, m)
		assert.False(t, m.Context.NeedsConversationHistory)
		assert.Equal(t, 0, m.Context.HistoryDepth)
		assert.Equal(t, llm.TaskSimpleQA, m.ModelPreference)
	})

	t.Run("data table disables memory, readable tables enable skill data", func(t *testing.T) {
		s := skillWith("Coffee", "track coffee")
		s.DataTable = "coffees"
		s.ReadableTables = []string{"coffees"}
		m := matcher.Match("track coffee", []persistence.SkillDefinition{s})
		require.NotNil(t, m)
		assert.False(t, m.Context.NeedsMemory)
		assert.True(t, m.Context.NeedsSkillData)
	})

	t.Run("multi-table skill prefers data_analysis", func(t *testing.T) {
		s := skillWith("Insights", "health insights")
		s.ReadableTables = []string{"coffees", "workouts"}
		m := matcher.Match("health insights", []persistence.SkillDefinition{s})
		require.NotNil(t, m)
		assert.Equal(t, llm.TaskDataAnalysis, m.ModelPreference)
	})

	t.Run("rag hint in behavior prompt", func(t *testing.T) {
		s := skillWith("Docs", "search notes")
		s.BehaviorPrompt = "Answer from the uploaded documents."
		m := matcher.Match("search notes", []persistence.SkillDefinition{s})
		require.NotNil(t, m)
		assert.True(t, m.Context.NeedsRAG)
	})
}
