package skills

import (
	"regexp"

	"kilo/internal/llm"
	"kilo/internal/persistence"
)

// ContextRequirements declares which context the matched skill needs loaded
// before prompt composition.
type ContextRequirements struct {
	NeedsConversationHistory bool `json:"needsConversationHistory"`
	HistoryDepth             int  `json:"historyDepth"`
	NeedsMemory              bool `json:"needsMemory"`
	NeedsRAG                 bool `json:"needsRag"`
	NeedsSkillData           bool `json:"needsSkillData"`
}

// Match is the matcher's full verdict for one message.
type Match struct {
	Skill           persistence.SkillDefinition
	Pattern         string
	Score           float64
	Definitive      bool
	Context         ContextRequirements
	ModelPreference llm.TaskType
}

// Matcher runs the two-phase intent match.
type Matcher struct{}

// NewMatcher builds a matcher. Phase two currently forwards the fast match
// as-is; an LLM classifier slot is reserved for the 0.4–0.7 band.
func NewMatcher() *Matcher {
	return &Matcher{}
}

var (
	ragHint       = regexp.MustCompile(`(?i)knowledge|document|uploaded`)
	queryHint     = regexp.MustCompile(`(?i)\b(show|list|view|what did|how many|how much|total|summary|history|report|average)\b`)
)

// Match scores the message against the candidate skills and derives the
// winner's context requirements and model preference.
func (m *Matcher) Match(message string, candidates []persistence.SkillDefinition) *Match {
	fast := fastMatch(message, candidates)
	if fast == nil {
		return nil
	}
	skill := fast.Skill
	return &Match{
		Skill:           skill,
		Pattern:         fast.Pattern,
		Score:           fast.Score,
		Definitive:      fast.Definitive,
		Context:         deriveContext(skill),
		ModelPreference: deriveModelPreference(skill),
	}
}

func deriveContext(skill persistence.SkillDefinition) ContextRequirements {
	req := ContextRequirements{}
	if skill.Schedule == "" {
		req.NeedsConversationHistory = true
		req.HistoryDepth = 5
	}
	req.NeedsMemory = skill.DataTable == ""
	req.NeedsRAG = ragHint.MatchString(skill.BehaviorPrompt)
	if len(skill.ReadableTables) > 0 {
		req.NeedsSkillData = true
	} else {
		text := skill.Description
		for _, p := range skill.TriggerPatterns {
			text += " " + p
		}
		req.NeedsSkillData = queryHint.MatchString(text)
	}
	return req
}

func deriveModelPreference(skill persistence.SkillDefinition) llm.TaskType {
	if len(skill.ReadableTables) >= 2 {
		return llm.TaskDataAnalysis
	}
	if skill.Schedule != "" {
		return llm.TaskSimpleQA
	}
	return llm.TaskSkillExecution
}
