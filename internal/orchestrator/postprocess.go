package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"kilo/internal/persistence"
)

// Response post-processing: safety replacement, domain disclaimers,
// structured-card extraction, and suggested actions. Runs on every LLM
// response before it leaves the orchestrator.

const refusalText = "I can't help with that. If you're going through something difficult, " +
	"please reach out to someone you trust or a professional who can support you properly."

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(how to|ways to|best way to)\s+(hurt|harm|kill)\s+(myself|yourself)\b`),
	regexp.MustCompile(`(?i)\bend(ing)? my (own )?life\b`),
	regexp.MustCompile(`(?i)\byou (should|must) (take|stop taking)\s+\d+\s*mg\b`),
	regexp.MustCompile(`(?i)\bI diagnose you with\b`),
	regexp.MustCompile(`(?i)\byou (definitely|certainly) have (cancer|depression|diabetes)\b`),
	regexp.MustCompile(`(?i)\bguaranteed (returns?|profits?)\b`),
	regexp.MustCompile(`(?i)\byou should (sue|plead guilty)\b`),
	regexp.MustCompile(`(?i)\binvest (all|everything) (you have|your savings)\b`),
}

var (
	medicalHint   = regexp.MustCompile(`(?i)\b(diagnosis|symptom|medication|dosage|prescription|treatment plan)\b`)
	legalHint     = regexp.MustCompile(`(?i)\b(lawsuit|liability|contract law|legal advice|statute)\b`)
	financialHint = regexp.MustCompile(`(?i)\b(invest(ing|ment)?|portfolio|stock picks?|retirement fund)\b`)
)

const (
	medicalDisclaimer   = "\n\n_This isn't medical advice; please consult a healthcare professional._"
	legalDisclaimer     = "\n\n_This isn't legal advice; please consult a qualified attorney._"
	financialDisclaimer = "\n\n_This isn't financial advice; consider speaking with a licensed advisor._"
)

var jsonFence = regexp.MustCompile("(?s)```json\\s*(.+?)```")

// postProcess applies the §safety and formatting passes in order.
func postProcess(content string, skill *persistence.SkillDefinition) (string, map[string]any, []string) {
	for _, re := range unsafePatterns {
		if re.MatchString(content) {
			return refusalText, nil, nil
		}
	}

	if medicalHint.MatchString(content) {
		content += medicalDisclaimer
	} else if legalHint.MatchString(content) {
		content += legalDisclaimer
	} else if financialHint.MatchString(content) {
		content += financialDisclaimer
	}

	var card map[string]any
	if skill != nil && skill.OutputFormat == persistence.OutputStructuredCard {
		card = parseStructuredCard(content)
	}

	return content, card, suggestActions(skill)
}

// parseStructuredCard extracts a ```json``` fenced block as a map. Missing
// or malformed blocks yield nil, never an error.
func parseStructuredCard(content string) map[string]any {
	m := jsonFence.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	var card map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &card); err != nil {
		return nil
	}
	return card
}

// suggestActions derives up to three follow-up suggestions from the skill
// shape.
func suggestActions(skill *persistence.SkillDefinition) []string {
	if skill == nil {
		return nil
	}
	var actions []string
	if skill.DataTable != "" {
		actions = append(actions, "Add another entry")
	}
	if len(skill.ReadableTables) > 0 {
		actions = append(actions, "Show me a summary of my data")
	}
	if skill.Schedule != "" {
		actions = append(actions, "Change the schedule")
	}
	if len(actions) < 3 && len(skill.TriggerPatterns) > 0 {
		actions = append(actions, "Try: \""+skill.TriggerPatterns[0]+"\"")
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return actions
}
