package builtin

import (
	"fmt"
	"strings"
	"time"
)

// cityZones maps well-known city names and abbreviations to IANA zones.
var cityZones = map[string]string{
	"tokyo":         "Asia/Tokyo",
	"jst":           "Asia/Tokyo",
	"osaka":         "Asia/Tokyo",
	"seoul":         "Asia/Seoul",
	"beijing":       "Asia/Shanghai",
	"shanghai":      "Asia/Shanghai",
	"hong kong":     "Asia/Hong_Kong",
	"singapore":     "Asia/Singapore",
	"mumbai":        "Asia/Kolkata",
	"delhi":         "Asia/Kolkata",
	"ist":           "Asia/Kolkata",
	"dubai":         "Asia/Dubai",
	"moscow":        "Europe/Moscow",
	"istanbul":      "Europe/Istanbul",
	"athens":        "Europe/Athens",
	"cairo":         "Africa/Cairo",
	"johannesburg":  "Africa/Johannesburg",
	"lagos":         "Africa/Lagos",
	"berlin":        "Europe/Berlin",
	"munich":        "Europe/Berlin",
	"paris":         "Europe/Paris",
	"madrid":        "Europe/Madrid",
	"rome":          "Europe/Rome",
	"amsterdam":     "Europe/Amsterdam",
	"zurich":        "Europe/Zurich",
	"cet":           "Europe/Paris",
	"london":        "Europe/London",
	"dublin":        "Europe/Dublin",
	"lisbon":        "Europe/Lisbon",
	"gmt":           "Europe/London",
	"bst":           "Europe/London",
	"utc":           "UTC",
	"reykjavik":     "Atlantic/Reykjavik",
	"sao paulo":     "America/Sao_Paulo",
	"buenos aires":  "America/Argentina/Buenos_Aires",
	"mexico city":   "America/Mexico_City",
	"new york":      "America/New_York",
	"boston":        "America/New_York",
	"toronto":       "America/Toronto",
	"est":           "America/New_York",
	"edt":           "America/New_York",
	"chicago":       "America/Chicago",
	"cst":           "America/Chicago",
	"denver":        "America/Denver",
	"mst":           "America/Denver",
	"los angeles":   "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"seattle":       "America/Los_Angeles",
	"pst":           "America/Los_Angeles",
	"pdt":           "America/Los_Angeles",
	"honolulu":      "Pacific/Honolulu",
	"anchorage":     "America/Anchorage",
	"sydney":        "Australia/Sydney",
	"melbourne":     "Australia/Melbourne",
	"auckland":      "Pacific/Auckland",
}

// zoneFromText finds the first known city or abbreviation in the message.
func zoneFromText(message string) (zone, place string, ok bool) {
	lower := strings.ToLower(message)
	// Prefer longer names so "mexico city" is not shadowed by another hit.
	best := ""
	for name := range cityZones {
		if strings.Contains(lower, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return "", "", false
	}
	return cityZones[best], titleWords(best), true
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) <= 3 && w == strings.ToLower(w) && cityZones[w] != "" && !strings.Contains(w, " ") && isAbbrev(w) {
			words[i] = strings.ToUpper(w)
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func isAbbrev(w string) bool {
	switch w {
	case "jst", "ist", "cet", "gmt", "bst", "utc", "est", "edt", "cst", "mst", "pst", "pdt":
		return true
	}
	return false
}

// handleTime answers "what time" / "what day" questions. The zone defaults
// to UTC when no known place is mentioned.
func handleTime(message string, now time.Time) (*Response, error) {
	zone, place, found := zoneFromText(message)
	loc := time.UTC
	if found {
		var err error
		loc, err = time.LoadLocation(zone)
		if err != nil {
			loc = time.UTC
			found = false
		}
	}
	local := now.In(loc)

	lower := strings.ToLower(message)
	wantsDay := strings.Contains(lower, "day") || strings.Contains(lower, "date")

	var content string
	switch {
	case wantsDay && found:
		content = fmt.Sprintf("It's **%s** in %s (%s).", local.Format("Monday, January 2, 2006"), place, zone)
	case wantsDay:
		content = fmt.Sprintf("It's **%s** (UTC).", local.Format("Monday, January 2, 2006"))
	case found:
		content = fmt.Sprintf("It's **%s** in %s (%s).", local.Format("3:04 PM"), place, zone)
	default:
		content = fmt.Sprintf("It's **%s** UTC.", local.Format("3:04 PM"))
	}

	return &Response{
		Content: content,
		SkillID: IDTime,
		SuggestedActions: []string{
			"Ask for the time in another city",
			"Ask what day it is",
		},
	}, nil
}
