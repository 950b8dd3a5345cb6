// Package skills holds the skill domain logic: intent matching, validation,
// and proposal of new capabilities.
package skills

import (
	"strings"

	"kilo/internal/persistence"
)

const (
	// matchThreshold is the floor below which a fast match is discarded.
	matchThreshold = 0.4
	// definitiveThreshold marks a fast match confident enough to skip any
	// second-phase classification.
	definitiveThreshold = 0.7

	// maxPatternTokens caps how many tokens of a trigger pattern score; very
	// long multi-clause patterns would otherwise make full recall
	// unreachable.
	maxPatternTokens = 12
)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"be": true, "to": true, "of": true, "in": true, "on": true, "at": true,
	"for": true, "and": true, "or": true, "my": true, "me": true, "i": true,
	"you": true, "it": true, "this": true, "that": true, "with": true,
	"do": true, "does": true, "can": true, "could": true, "would": true,
	"please": true, "what": true, "whats": true, "how": true,
}

// Tokenize lowercases, strips non-alphanumerics, and drops short tokens and
// stop words.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if len(tok) <= 1 || stopWords[tok] {
			return
		}
		tokens = append(tokens, tok)
	}
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// FastMatch is the result of the keyword phase.
type FastMatch struct {
	Skill      persistence.SkillDefinition
	Pattern    string
	Score      float64
	Definitive bool
}

// fastMatch scores the message against every active skill's trigger
// patterns and keeps the best candidate above the threshold. A pattern is a
// candidate only when every one of its non-stopword tokens appears in the
// message.
func fastMatch(message string, candidates []persistence.SkillDefinition) *FastMatch {
	msgTokens := Tokenize(message)
	if len(msgTokens) == 0 {
		return nil
	}
	msgSet := map[string]bool{}
	for _, t := range msgTokens {
		msgSet[t] = true
	}

	var best *FastMatch
	for _, skill := range candidates {
		if !skill.Active {
			continue
		}
		for _, pattern := range skill.TriggerPatterns {
			patTokens := Tokenize(pattern)
			if len(patTokens) > maxPatternTokens {
				patTokens = patTokens[:maxPatternTokens]
			}
			if len(patTokens) == 0 {
				continue
			}
			overlap := 0
			contained := true
			for _, t := range patTokens {
				if msgSet[t] {
					overlap++
				} else {
					contained = false
				}
			}
			if !contained {
				continue
			}
			recall := float64(overlap) / float64(len(patTokens))
			precision := float64(overlap) / float64(len(msgTokens))
			score := 0.7*recall + 0.3*precision
			if score <= matchThreshold {
				continue
			}
			if best == nil || score > best.Score {
				best = &FastMatch{Skill: skill, Pattern: pattern, Score: score}
			}
		}
	}
	if best != nil {
		best.Definitive = best.Score >= definitiveThreshold
	}
	return best
}
