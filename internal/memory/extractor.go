// Package memory extracts durable user facts from message text with a small
// regex family. Extraction runs on every message regardless of which branch
// answered it.
package memory

import (
	"regexp"
	"strings"

	"kilo/internal/persistence"
)

type pattern struct {
	re         *regexp.Regexp
	key        string
	source     persistence.FactSource
	confidence float64
	// keyFromMatch derives a dynamic key from the first capture group; the
	// value then comes from the second.
	keyFromMatch bool
}

var patterns = []pattern{
	{re: regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z' -]{1,40})`), key: "name", source: persistence.FactUserStated, confidence: 0.95},
	{re: regexp.MustCompile(`(?i)\bcall me\s+([a-z][a-z' -]{1,40})`), key: "nickname", source: persistence.FactUserStated, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)\bi live in\s+([a-z][a-z' -]{1,60})`), key: "location", source: persistence.FactUserStated, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)\bi(?:'m| am) from\s+([a-z][a-z' -]{1,60})`), key: "origin", source: persistence.FactUserStated, confidence: 0.85},
	{re: regexp.MustCompile(`(?i)\bi work (?:at|for)\s+([a-z0-9][a-z0-9' .&-]{1,60})`), key: "employer", source: persistence.FactUserStated, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)\bi work as an?\s+([a-z][a-z' -]{1,60})`), key: "occupation", source: persistence.FactUserStated, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)\bmy birthday is\s+([a-z0-9][a-z0-9, ]{1,40})`), key: "birthday", source: persistence.FactUserStated, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)\bi(?:'m| am)\s+(\d{1,3})\s+years old\b`), key: "age", source: persistence.FactUserStated, confidence: 0.9},
	{re: regexp.MustCompile(`(?i)\bmy favorite\s+([a-z ]{2,30}?)\s+is\s+([a-z0-9][a-z0-9' -]{1,60})`), keyFromMatch: true, source: persistence.FactUserStated, confidence: 0.85},
	{re: regexp.MustCompile(`(?i)\bi (?:really )?(?:like|love|enjoy)\s+([a-z][a-z0-9' -]{2,60})`), key: "likes", source: persistence.FactInferred, confidence: 0.6},
	{re: regexp.MustCompile(`(?i)\bi (?:hate|dislike|can't stand)\s+([a-z][a-z0-9' -]{2,60})`), key: "dislikes", source: persistence.FactInferred, confidence: 0.6},
}

// Extract returns the facts found in the message. BotID and UserID are
// stamped by the caller.
func Extract(message string) []persistence.MemoryFact {
	var facts []persistence.MemoryFact
	seen := map[string]bool{}
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		key := p.key
		value := cleanValue(m[1])
		if p.keyFromMatch {
			key = "favorite_" + strings.ReplaceAll(strings.TrimSpace(strings.ToLower(m[1])), " ", "_")
			value = cleanValue(m[2])
		}
		if key == "" || value == "" || seen[key] {
			continue
		}
		seen[key] = true
		facts = append(facts, persistence.MemoryFact{
			Key:        key,
			Value:      value,
			Source:     p.source,
			Confidence: p.confidence,
		})
	}
	return facts
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, ".!?,")
	// Cut trailing clauses introduced by conjunctions.
	for _, sep := range []string{" and ", " but ", " so "} {
		if idx := strings.Index(strings.ToLower(v), sep); idx > 0 {
			v = v[:idx]
		}
	}
	return strings.TrimSpace(v)
}
