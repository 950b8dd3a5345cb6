package skills

import (
	"regexp"
	"strings"
	"time"
)

// ProposedField is one input field of a proposed skill.
type ProposedField struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Proposal is a structured suggestion for a new skill.
type Proposal struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	TriggerPatterns []string        `json:"triggerPatterns"`
	Fields          []ProposedField `json:"fields,omitempty"`
	Schedule        string          `json:"schedule,omitempty"`
	Confidence      float64         `json:"confidence"`
	SignalCount     int             `json:"signalCount"`
}

// Dismissal records a previously rejected proposal, used to suppress
// near-identical re-proposals.
type Dismissal struct {
	Name string
	At   time.Time
}

const (
	// DismissalWindow is how long a dismissed proposal suppresses
	// similarly-named re-proposals.
	DismissalWindow = 7 * 24 * time.Hour

	dismissalSimilarity = 0.6
)

// Proposal acknowledgements embed a hidden marker, like the learning
// clarification one, so the next turn can tell a "No thanks" apart from
// ordinary conversation and record the dismissal.

const (
	proposalMarkerPrefix = "<!-- skill-proposal:"
	proposalMarkerSuffix = " -->"
)

var proposalMarkerRe = regexp.MustCompile(`<!-- skill-proposal:(.+?) -->`)

// BuildProposalMarker renders the hidden marker for a proposal
// acknowledgement.
func BuildProposalMarker(name string) string {
	return proposalMarkerPrefix + name + proposalMarkerSuffix
}

// ExtractProposalMarker pulls the proposed skill name out of a previous
// assistant message.
func ExtractProposalMarker(text string) (string, bool) {
	m := proposalMarkerRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	return name, name != ""
}

var dismissalReply = regexp.MustCompile(`(?i)^\s*(no|nope|nah|never mind|nevermind|not now|cancel|stop|don'?t)\b`)

// IsDismissalReply reports whether the reply declines a pending proposal.
func IsDismissalReply(reply string) bool {
	return dismissalReply.MatchString(strings.TrimSpace(reply))
}

// Repeatability signals, by category. A message with none of them never
// yields a proposal.
var signalPatterns = map[string]*regexp.Regexp{
	"temporal":    regexp.MustCompile(`(?i)\b(every day|daily|every week|weekly|every month|monthly|each (day|week|month|morning|evening)|every (morning|evening|night|monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`),
	"tracking":    regexp.MustCompile(`(?i)\b(keep track of|track my|tracking|log my|record my|remember (my|when|that))\b`),
	"templating":  regexp.MustCompile(`(?i)\b(remind me|notification|notify me|alert me|send me)\b`),
	"aggregation": regexp.MustCompile(`(?i)\b(total|sum|average|how many times|count|summary of)\b`),
}

var (
	trackIntent    = regexp.MustCompile(`(?i)(?:keep track of|track)\s+(?:my\s+)?([a-z0-9' ]+)`)
	remindAtIntent = regexp.MustCompile(`(?i)remind me to\s+(.+?)\s+(?:at|every)\s+(.+)`)
	remindIntent   = regexp.MustCompile(`(?i)(?:at|every)\s+(.+?)\s+remind me to\s+(.+)`)
	periodicIntent = regexp.MustCompile(`(?i)every\s+([a-z ]+?)\s+(?:send|tell)\s+me\s+(.+)`)
	logIntent      = regexp.MustCompile(`(?i)(?:log|record)\s+(?:my\s+)?([a-z0-9' ]+)`)
)

// timingSchedules maps coarse timing phrases to cron schedules.
var timingSchedules = map[string]string{
	"day":       "0 9 * * *",
	"daily":     "0 9 * * *",
	"morning":   "0 8 * * *",
	"noon":      "0 12 * * *",
	"evening":   "0 19 * * *",
	"night":     "0 21 * * *",
	"week":      "0 9 * * 1",
	"weekly":    "0 9 * * 1",
	"month":     "0 9 1 * *",
	"monthly":   "0 9 1 * *",
	"hour":      "0 * * * *",
	"monday":    "0 9 * * 1",
	"tuesday":   "0 9 * * 2",
	"wednesday": "0 9 * * 3",
	"thursday":  "0 9 * * 4",
	"friday":    "0 9 * * 5",
	"saturday":  "0 9 * * 6",
	"sunday":    "0 9 * * 0",
}

// Proposer detects repeatable needs in unmatched messages.
type Proposer struct{}

func NewProposer() *Proposer { return &Proposer{} }

// Propose inspects the message for repeatability signals and extracts a
// coarse skill proposal, suppressed when a similarly-named proposal was
// dismissed within the last week.
func (p *Proposer) Propose(message string, dismissals []Dismissal, now time.Time) *Proposal {
	signals := 0
	for _, re := range signalPatterns {
		if re.MatchString(message) {
			signals++
		}
	}
	if signals == 0 {
		return nil
	}

	proposal := extractIntent(message)
	if proposal == nil {
		return nil
	}
	proposal.SignalCount = signals
	proposal.Confidence = 0.3 * float64(signals)
	if proposal.Confidence > 0.9 {
		proposal.Confidence = 0.9
	}

	for _, d := range dismissals {
		if now.Sub(d.At) > DismissalWindow {
			continue
		}
		if jaccardNames(proposal.Name, d.Name) >= dismissalSimilarity {
			return nil
		}
	}
	return proposal
}

func extractIntent(message string) *Proposal {
	if m := remindAtIntent.FindStringSubmatch(message); m != nil {
		return reminderProposal(m[1], m[2])
	}
	if m := remindIntent.FindStringSubmatch(message); m != nil {
		return reminderProposal(m[2], m[1])
	}
	if m := periodicIntent.FindStringSubmatch(message); m != nil {
		timing := strings.TrimSpace(m[1])
		content := cleanPhrase(m[2])
		name := titleCase(timing + " " + content)
		return &Proposal{
			Name:            name,
			Description:     "Sends " + content + " every " + timing + ".",
			TriggerPatterns: []string{content, "send me " + content},
			Schedule:        scheduleFor(timing),
		}
	}
	if m := trackIntent.FindStringSubmatch(message); m != nil {
		subject := cleanPhrase(m[1])
		if subject == "" {
			return nil
		}
		return &Proposal{
			Name:            titleCase(subject) + " Tracker",
			Description:     "Tracks " + subject + " over time.",
			TriggerPatterns: []string{"track my " + subject, "log " + subject},
			Fields: []ProposedField{
				{Name: "description", Required: true},
			},
		}
	}
	if m := logIntent.FindStringSubmatch(message); m != nil {
		subject := cleanPhrase(m[1])
		if subject == "" {
			return nil
		}
		return &Proposal{
			Name:            titleCase(subject) + " Log",
			Description:     "Logs " + subject + " entries.",
			TriggerPatterns: []string{"log my " + subject, "record " + subject},
			Fields: []ProposedField{
				{Name: "entry", Required: true},
				{Name: "date", Required: false},
			},
		}
	}
	return nil
}

func reminderProposal(task, timing string) *Proposal {
	task = cleanPhrase(task)
	if task == "" {
		return nil
	}
	return &Proposal{
		Name:            titleCase(task) + " Reminder",
		Description:     "Reminds you to " + task + ".",
		TriggerPatterns: []string{"remind me to " + task, task + " reminder"},
		Schedule:        scheduleFor(timing),
	}
}

func scheduleFor(timing string) string {
	for _, token := range Tokenize(timing) {
		if sched, ok := timingSchedules[token]; ok {
			return sched
		}
	}
	return timingSchedules["daily"]
}

func cleanPhrase(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.Trim(s, ".!?,")
	return strings.TrimSpace(s)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func jaccardNames(a, b string) float64 {
	setOf := func(s string) map[string]bool {
		set := map[string]bool{}
		for _, t := range Tokenize(s) {
			set[t] = true
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
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}
