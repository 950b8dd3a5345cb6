package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"kilo/internal/kerr"
	"kilo/internal/persistence"
)

const (
	maxNameLen      = 100
	maxPatternLen   = 200
	maxPromptLen    = 5000
	maxSchemaProps  = 30
	minScheduleGap  = 15 * time.Minute
	overlapCutoff   = 0.7
)

// Stage names reported in validation results.
const (
	StageSchema         = "schema"
	StageTriggerOverlap = "trigger_overlap"
)

// TriggerConflict records one near-duplicate trigger against an existing
// skill.
type TriggerConflict struct {
	NewPattern        string   `json:"newPattern"`
	ExistingSkill     string   `json:"existingSkill"`
	ExistingPattern   string   `json:"existingPattern"`
	Similarity        float64  `json:"similarity"`
	ResolutionOptions []string `json:"resolutionOptions"`
}

// ValidationResult is the outcome of both stages. Stage names the failing
// stage when Valid is false.
type ValidationResult struct {
	Valid     bool                   `json:"valid"`
	Stage     string                 `json:"stage,omitempty"`
	Issues    []kerr.ValidationIssue `json:"issues,omitempty"`
	Warnings  []string               `json:"warnings,omitempty"`
	Conflicts []TriggerConflict      `json:"conflicts,omitempty"`
}

// Err converts a failed result into the runtime's error type.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return kerr.SkillValidation(r.Stage, r.Issues)
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)you\s+are\s+now\b`),
	regexp.MustCompile(`(?i)forget\s+your\s+system\s+prompt`),
	regexp.MustCompile(`(?i)disregard\s+all\b`),
	regexp.MustCompile(`(?i)override\s+safety`),
	regexp.MustCompile(`(?i)new\s+system\s+prompt`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+restrictions`),
}

// Validator runs the two validation stages in order, short-circuiting on
// failure while preserving earlier warnings.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Validate checks the candidate skill against the structural rules and then
// against the bot's existing trigger patterns.
func (v *Validator) Validate(candidate persistence.SkillDefinition, existing []persistence.SkillDefinition) ValidationResult {
	result := v.validateStructure(candidate)
	if !result.Valid {
		return result
	}
	conflicts := findTriggerConflicts(candidate, existing)
	if len(conflicts) > 0 {
		result.Valid = false
		result.Stage = StageTriggerOverlap
		result.Conflicts = conflicts
	}
	return result
}

func (v *Validator) validateStructure(c persistence.SkillDefinition) ValidationResult {
	result := ValidationResult{Valid: true}
	fail := func(field, rule, message string) {
		result.Valid = false
		result.Stage = StageSchema
		result.Issues = append(result.Issues, kerr.ValidationIssue{Field: field, Rule: rule, Message: message})
	}

	name := strings.TrimSpace(c.Name)
	if name == "" {
		fail("name", "required", "skill name is required")
	} else if len(name) > maxNameLen {
		fail("name", "max_length", fmt.Sprintf("skill name exceeds %d characters", maxNameLen))
	}

	if len(c.TriggerPatterns) < 2 {
		fail("triggerPatterns", "min_count", "at least 2 trigger patterns are required")
	}
	seen := map[string]bool{}
	for _, p := range c.TriggerPatterns {
		if len(p) > maxPatternLen {
			fail("triggerPatterns", "max_length", fmt.Sprintf("trigger pattern exceeds %d characters", maxPatternLen))
		}
		norm := strings.Join(Tokenize(p), " ")
		if norm != "" && seen[norm] {
			fail("triggerPatterns", "duplicate", "trigger patterns must be pairwise distinct")
		}
		seen[norm] = true
	}
	if len(c.TriggerPatterns) == 2 {
		result.Warnings = append(result.Warnings, "fewer than 3 trigger patterns may weaken matching")
	}

	prompt := strings.TrimSpace(c.BehaviorPrompt)
	switch {
	case prompt == "":
		fail("behaviorPrompt", "required", "behavior prompt is required")
	case len(prompt) > maxPromptLen:
		fail("behaviorPrompt", "max_length", fmt.Sprintf("behavior prompt exceeds %d characters", maxPromptLen))
	default:
		for _, re := range injectionPatterns {
			if re.MatchString(prompt) {
				fail("behaviorPrompt", "injection_detected", "behavior prompt matches a prompt-injection pattern")
				break
			}
		}
		if len(prompt) < 50 {
			result.Warnings = append(result.Warnings, "behavior prompt under 50 characters may be too vague")
		}
	}

	if c.InputSchema != nil {
		validateInputSchema(c.InputSchema, fail)
	}

	if !persistence.ValidOutputFormat(c.OutputFormat) {
		fail("outputFormat", "invalid_value", fmt.Sprintf("output format %q is not supported", c.OutputFormat))
	}

	if c.Schedule != "" {
		validateSchedule(c.Schedule, fail)
	}
	return result
}

func validateInputSchema(schema map[string]any, fail func(field, rule, message string)) {
	props, _ := schema["properties"].(map[string]any)
	if len(props) > maxSchemaProps {
		fail("inputSchema", "max_properties", fmt.Sprintf("input schema exceeds %d properties", maxSchemaProps))
		return
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			fail("inputSchema", "invalid_property", fmt.Sprintf("property %q is not an object", name))
			continue
		}
		if t, _ := prop["type"].(string); t == "" {
			fail("inputSchema", "missing_type", fmt.Sprintf("property %q has no type", name))
		}
	}
	// Beyond the structural rules, the schema must compile as JSON Schema so
	// table generation downstream cannot hit surprises.
	payload, err := json.Marshal(schema)
	if err != nil {
		fail("inputSchema", "invalid_schema", "input schema is not serializable")
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("skill.json", strings.NewReader(string(payload))); err != nil {
		fail("inputSchema", "invalid_schema", err.Error())
		return
	}
	if _, err := compiler.Compile("skill.json"); err != nil {
		fail("inputSchema", "invalid_schema", "input schema does not compile")
	}
}

func validateSchedule(schedule string, fail func(field, rule, message string)) {
	if len(strings.Fields(schedule)) != 5 {
		fail("schedule", "invalid_cron", "schedule must be a 5-field cron expression")
		return
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		fail("schedule", "invalid_cron", err.Error())
		return
	}
	// Estimate the minimum firing interval from a handful of upcoming runs.
	t := time.Now()
	prev := sched.Next(t)
	minGap := time.Duration(0)
	for i := 0; i < 5; i++ {
		next := sched.Next(prev)
		gap := next.Sub(prev)
		if minGap == 0 || gap < minGap {
			minGap = gap
		}
		prev = next
	}
	if minGap < minScheduleGap {
		fail("schedule", "min_interval", "schedule fires more often than every 15 minutes")
	}
}

// jaccard computes token-set similarity using tokens longer than 2 chars.
func jaccard(a, b string) float64 {
	setOf := func(s string) map[string]bool {
		set := map[string]bool{}
		for _, t := range Tokenize(s) {
			if len(t) > 2 {
				set[t] = true
			}
		}
		return set
	}
	sa, sb := setOf(a), setOf(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func findTriggerConflicts(candidate persistence.SkillDefinition, existing []persistence.SkillDefinition) []TriggerConflict {
	var conflicts []TriggerConflict
	for _, newPattern := range candidate.TriggerPatterns {
		for _, skill := range existing {
			if !skill.Active || skill.ID == candidate.ID {
				continue
			}
			for _, existingPattern := range skill.TriggerPatterns {
				sim := jaccard(newPattern, existingPattern)
				if sim >= overlapCutoff {
					conflicts = append(conflicts, TriggerConflict{
						NewPattern:        newPattern,
						ExistingSkill:     skill.Name,
						ExistingPattern:   existingPattern,
						Similarity:        sim,
						ResolutionOptions: []string{"keep_both", "merge", "replace"},
					})
				}
			}
		}
	}
	return conflicts
}
