// Package learning turns "learn how to use X" requests into researched tool
// and skill proposals, including the clarification round-trip.
package learning

import (
	"regexp"
	"strings"
)

// Intent is a detected learning request.
type Intent struct {
	Capability string  `json:"capability"`
	Confidence float64 `json:"confidence"`
}

type intentPattern struct {
	re         *regexp.Regexp
	confidence float64
}

// Ordered most specific first; the generic "connect to" sits after the
// "can you connect to" form on purpose so the politer phrasing wins its
// lower confidence.
var intentPatterns = []intentPattern{
	{regexp.MustCompile(`(?i)\blearn how to use\s+(.+)`), 0.95},
	{regexp.MustCompile(`(?i)\bintegrate with\s+(.+)`), 0.9},
	{regexp.MustCompile(`(?i)\badd\s+(.+?)\s+integration\b`), 0.9},
	{regexp.MustCompile(`(?i)\bset up\s+(.+)`), 0.85},
	{regexp.MustCompile(`(?i)\bi want you to use\s+(.+)`), 0.75},
	{regexp.MustCompile(`(?i)\bcan you (?:use|connect to)\s+(.+)`), 0.7},
	{regexp.MustCompile(`(?i)\bconnect to\s+(.+)`), 0.9},
	{regexp.MustCompile(`(?i)\blearn (?:how )?to\s+(.+)`), 0.6},
}

var trailingNoise = regexp.MustCompile(`(?i)\s+(api|integration|service|platform|tool)\s*$`)

// DetectIntent runs the ordered pattern list and returns the first hit.
func DetectIntent(message string) *Intent {
	for _, p := range intentPatterns {
		m := p.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		capability := cleanCapability(m[1])
		if capability == "" {
			continue
		}
		return &Intent{Capability: capability, Confidence: p.confidence}
	}
	return nil
}

func cleanCapability(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "?!.,\"'")
	s = trailingNoise.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 100 {
		return ""
	}
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

var leadingVerbs = map[string]bool{
	"check": true, "send": true, "get": true, "make": true, "create": true,
	"track": true, "remind": true, "tell": true, "show": true, "find": true,
	"schedule": true, "book": true, "order": true, "write": true, "read": true,
	"manage": true, "organize": true, "play": true, "translate": true,
}

// LooksLikeServiceName reports whether the capability reads like a product
// name rather than a task description; it branches the clarification
// wording.
func LooksLikeServiceName(name string) bool {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	if len(words) == 0 || len(words) > 4 {
		return false
	}
	return !leadingVerbs[words[0]]
}

// Clarification marker plumbing. The marker is an HTML comment embedded
// near the head of an assistant message so the next turn can recover the
// pending capability.

const (
	markerPrefix = "<!-- learning-clarification:"
	markerSuffix = " -->"
)

var markerRe = regexp.MustCompile(`<!-- learning-clarification:(.+?) -->`)

// BuildMarker renders the hidden clarification marker.
func BuildMarker(capability string) string {
	return markerPrefix + capability + markerSuffix
}

// ExtractMarker pulls the capability out of a previous assistant message.
func ExtractMarker(text string) (string, bool) {
	m := markerRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	capability := strings.TrimSpace(m[1])
	return capability, capability != ""
}

// ClarificationPrompt is the user-facing question paired with the marker.
func ClarificationPrompt(capability string) string {
	if LooksLikeServiceName(capability) {
		return BuildMarker(capability) + "\nIt sounds like you'd like me to learn to work with " + capability +
			". Shall I research the " + capability + " API?"
	}
	return BuildMarker(capability) + "\nI can try to learn that. Which API or service should I look into for \"" +
		capability + "\"?"
}

var negativeReply = regexp.MustCompile(`(?i)^\s*(no|nope|nah|never mind|nevermind|cancel|stop|forget)\b`)

var affirmativeReply = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|sure|ok|okay|please do|go ahead|do it)\b`)

// knownServices maps capability words to well-known service names so a bare
// "yes" after "track my designs in canva" still searches the right product.
var knownServices = map[string]string{
	"stripe": "Stripe", "canva": "Canva", "slack": "Slack", "spotify": "Spotify",
	"github": "GitHub", "notion": "Notion", "twilio": "Twilio", "shopify": "Shopify",
	"trello": "Trello", "discord": "Discord", "asana": "Asana", "figma": "Figma",
	"jira": "Jira", "zoom": "Zoom", "dropbox": "Dropbox", "mailchimp": "Mailchimp",
}

// ReplyAction classifies the user's answer to a clarification.
type ReplyAction int

const (
	// ReplyAbort means the user declined; fall through to conversation.
	ReplyAbort ReplyAction = iota
	// ReplyProceed carries a search query for the learning flow.
	ReplyProceed
	// ReplyUnclear means the answer was too long to treat as a follow-up.
	ReplyUnclear
)

// ClassifyReply turns the clarification answer into a search query.
func ClassifyReply(capability, reply string) (string, ReplyAction) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" || negativeReply.MatchString(trimmed) {
		return "", ReplyAbort
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "api") || strings.Contains(lower, "service") {
		return trimmed, ReplyProceed
	}
	if affirmativeReply.MatchString(trimmed) {
		for _, word := range strings.Fields(strings.ToLower(capability)) {
			if svc, ok := knownServices[strings.Trim(word, ".,!?")]; ok {
				return svc + " API", ReplyProceed
			}
		}
		return capability + " API", ReplyProceed
	}
	if len(strings.Fields(trimmed)) < 8 {
		return trimmed + " API", ReplyProceed
	}
	return "", ReplyUnclear
}

// IsShortAffirmative reports whether the reply is a bare yes.
func IsShortAffirmative(reply string) bool {
	return affirmativeReply.MatchString(strings.TrimSpace(reply))
}
