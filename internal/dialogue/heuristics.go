package dialogue

import (
	"regexp"
	"strings"

	"github.com/MrWong99/hostline/internal/capacity"
	"github.com/MrWong99/hostline/pkg/provider/llm"
)

// Go regexp \b is ASCII-only, so words that may start with an umlaut use an
// explicit letter boundary instead.
var (
	dateRe  = regexp.MustCompile(`(?i)(^|[^\p{L}])(heute|morgen|übermorgen|today|tomorrow|tonight)($|[^\p{L}])|\d{4}-\d{2}-\d{2}|\b\d{1,2}\.\s?\d{1,2}\.|\b\d{1,2}\.\s+(januar|februar|märz|april|mai|juni|juli|august|september|oktober|november|dezember)`)
	timeRe  = regexp.MustCompile(`(?i)\b\d{1,2}[:.]\d{2}\b|\b\d{1,2}\s*uhr\b|\bum\s+\d{1,2}\b|\b\d{1,2}\s*(am|pm|p\.m\.|a\.m\.)|\bat\s+\d{1,2}\b`)
	partyRe = regexp.MustCompile(`(?i)\b(\d{1,2}|zwei|drei|vier|fünf|sechs|sieben|acht|neun|zehn|elf|zwölf|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s+(personen|person|leute|leuten|gäste|gästen|people|persons|guests)($|[^\p{L}])|\b(für|for)\s+(\d{1,2}|zwei|drei|vier|fünf|sechs|sieben|acht|neun|zehn|two|three|four|five|six|seven|eight|nine|ten)\b`)

	checkVerbRe = regexp.MustCompile(`(?i)(^|[^\p{L}])(prüfe|überprüfe|schaue|schau|sehe|checke|nachsehen|nachschauen|check|checking|look|looking|see)($|[^\p{L}])`)
	freeRe      = regexp.MustCompile(`(?i)(^|[^\p{L}])(frei|verfügbar|verfügbarkeit|platz|tisch|available|availability|free|table)($|[^\p{L}])`)
)

// mentionsSlot reports whether the texts together name a date, a time and a
// party size. A spoken weekday counts as a date.
func mentionsSlot(texts []string) bool {
	var date, clock, party bool
	for _, t := range texts {
		if !date {
			_, wd := capacity.SpokenWeekday(t)
			date = wd || dateRe.MatchString(t)
		}
		clock = clock || timeRe.MatchString(t)
		party = party || partyRe.MatchString(t)
	}
	return date && clock && party
}

// announcesCheck reports whether an assistant reply promises to look up
// availability without actually calling the tool.
func announcesCheck(reply string) bool {
	return checkVerbRe.MatchString(reply) && freeRe.MatchString(reply)
}

// shouldForceAvailability decides whether a completion without tool calls
// must be repeated with check_availability pinned. Only the conversation since
// the last availability result is considered, so an answered request does not
// force a second lookup.
func shouldForceAvailability(since []llm.Message, reply string) bool {
	if announcesCheck(reply) {
		return true
	}
	var user []string
	for _, m := range since {
		if m.Role == llm.RoleUser {
			user = append(user, m.Content)
		}
	}
	if len(user) == 0 {
		return false
	}
	return mentionsSlot(user)
}

// normalizeSpace collapses whitespace for logging and transcripts.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
