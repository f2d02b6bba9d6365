// Package capacity holds the pure reservation rules: relative date resolution,
// closed-day normalization, opening hours and the interval-overlap seat
// capacity check. Nothing in this package performs I/O.
package capacity

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the calendar date format exchanged with the language model.
const DateLayout = "2006-01-02"

// weekdayWords maps full weekday names as they appear in spoken German and
// English to their weekday. Abbreviations are deliberately absent: "so" or
// "sun" occur in ordinary speech.
var weekdayWords = map[string]time.Weekday{
	"sonntag":    time.Sunday,
	"montag":     time.Monday,
	"dienstag":   time.Tuesday,
	"mittwoch":   time.Wednesday,
	"donnerstag": time.Thursday,
	"freitag":    time.Friday,
	"samstag":    time.Saturday,
	"sonnabend":  time.Saturday,
	"sunday":     time.Sunday,
	"monday":     time.Monday,
	"tuesday":    time.Tuesday,
	"wednesday":  time.Wednesday,
	"thursday":   time.Thursday,
	"friday":     time.Friday,
	"saturday":   time.Saturday,
}

var wordRe = regexp.MustCompile(`\p{L}+`)

// SpokenWeekday returns the first weekday named in text.
func SpokenWeekday(text string) (time.Weekday, bool) {
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if wd, ok := weekdayWords[w]; ok {
			return wd, true
		}
		// "freitags", "montags" ...
		if wd, ok := weekdayWords[strings.TrimSuffix(w, "s")]; ok && strings.HasSuffix(w, "s") {
			return wd, true
		}
	}
	return 0, false
}

// ResolveDate reinterprets candidate against the caller's own words.
//
// When utterance names a weekday, the result is the next occurrence of that
// weekday strictly after today, formatted with [DateLayout]. Otherwise
// candidate is returned unchanged, including when it cannot be parsed.
func ResolveDate(candidate, utterance string, today time.Time) string {
	wd, ok := SpokenWeekday(utterance)
	if !ok {
		return candidate
	}
	return NextWeekday(today, wd).Format(DateLayout)
}

// NextWeekday returns the first date after today (never today) that falls on wd.
func NextWeekday(today time.Time, wd time.Weekday) time.Time {
	d := dateOf(today)
	delta := (int(wd) - int(d.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return d.AddDate(0, 0, delta)
}

// ParseDate parses a [DateLayout] string in the location of today.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("capacity: parse date %q: %w", s, err)
	}
	return d, nil
}

// IsPastDate reports whether date lies on a calendar day before today.
// Time of day is ignored on both sides.
func IsPastDate(date, today time.Time) bool {
	return dateOf(date.In(today.Location())).Before(dateOf(today))
}

// dateOf truncates t to midnight in its own location.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
