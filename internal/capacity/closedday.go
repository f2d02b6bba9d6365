package capacity

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"
)

// closedDayTokens covers full names and common abbreviations in German and
// English. Tokens are compared lower-case with trailing dots removed.
var closedDayTokens = map[string]time.Weekday{
	"so": time.Sunday, "son": time.Sunday, "sonntag": time.Sunday,
	"mo": time.Monday, "mon": time.Monday, "montag": time.Monday,
	"di": time.Tuesday, "die": time.Tuesday, "dienstag": time.Tuesday,
	"mi": time.Wednesday, "mit": time.Wednesday, "mittwoch": time.Wednesday,
	"do": time.Thursday, "don": time.Thursday, "donnerstag": time.Thursday,
	"fr": time.Friday, "fre": time.Friday, "freitag": time.Friday,
	"sa": time.Saturday, "sam": time.Saturday, "samstag": time.Saturday, "sonnabend": time.Saturday,

	"sun": time.Sunday, "sunday": time.Sunday,
	"monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// NormalizeClosedDays turns whatever a tenant stored as closed days into a
// sorted, duplicate-free weekday set (0 = Sunday).
//
// Accepted shapes: a single number (0-7, 7 meaning Sunday), numeric strings,
// weekday names or abbreviations in German or English, JSON arrays (encoded
// as a string or already decoded), string slices and freeform lists separated
// by commas, semicolons, pipes, slashes, whitespace, "und" or "and".
// Unknown entries are ignored.
func NormalizeClosedDays(raw any) []time.Weekday {
	seen := make(map[time.Weekday]bool)
	collectClosedDays(raw, seen)

	out := make([]time.Weekday, 0, len(seen))
	for wd := range seen {
		out = append(out, wd)
	}
	slices.Sort(out)
	return out
}

func collectClosedDays(raw any, seen map[time.Weekday]bool) {
	switch v := raw.(type) {
	case nil:
	case time.Weekday:
		addNumericDay(int(v), seen)
	case int:
		addNumericDay(v, seen)
	case int32:
		addNumericDay(int(v), seen)
	case int64:
		addNumericDay(int(v), seen)
	case float64:
		if v == float64(int(v)) {
			addNumericDay(int(v), seen)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			addNumericDay(int(n), seen)
		}
	case []byte:
		collectClosedDays(string(v), seen)
	case string:
		collectClosedDayString(v, seen)
	case []string:
		for _, s := range v {
			collectClosedDays(s, seen)
		}
	case []int:
		for _, n := range v {
			addNumericDay(n, seen)
		}
	case []time.Weekday:
		for _, wd := range v {
			addNumericDay(int(wd), seen)
		}
	case []any:
		for _, e := range v {
			collectClosedDays(e, seen)
		}
	}
}

func collectClosedDayString(s string, seen map[time.Weekday]bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if strings.HasPrefix(s, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			collectClosedDays(arr, seen)
			return
		}
	}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), isClosedDaySeparator) {
		tok = strings.Trim(tok, `."'[]{}()`)
		if tok == "" || tok == "und" || tok == "and" {
			continue
		}
		if n, err := strconv.Atoi(tok); err == nil {
			addNumericDay(n, seen)
			continue
		}
		if wd, ok := closedDayTokens[tok]; ok {
			seen[wd] = true
		}
	}
}

func isClosedDaySeparator(r rune) bool {
	switch r {
	case ',', ';', '|', '/', ' ', '\t', '\n', '\r', '+', '&':
		return true
	}
	return false
}

func addNumericDay(n int, seen map[time.Weekday]bool) {
	if n == 7 {
		n = 0
	}
	if n >= 0 && n <= 6 {
		seen[time.Weekday(n)] = true
	}
}

// IsClosedDay reports whether date falls on one of the closed weekdays.
func IsClosedDay(date time.Time, closed []time.Weekday) bool {
	return slices.Contains(closed, date.Weekday())
}
