package capacity

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DefaultSlotMinutes is how long a table stays occupied when the tenant did
// not configure a slot duration.
const DefaultSlotMinutes = 120

// Booking is an existing reservation reduced to what the capacity check needs.
type Booking struct {
	// StartMinute is minutes since midnight.
	StartMinute int
	PartySize   int
}

type event struct {
	at    int
	delta int
}

// PeakOccupancy returns the largest number of guests seated at the same time
// during the requested interval, counting the requested party itself.
//
// Every booking occupies the half-open interval [start, start+slotMinutes).
// Only bookings overlapping the requested interval contribute, clipped to it.
// Events at the same instant are ordered by delta ascending so departures and
// arrivals at one boundary are combined before the running maximum is taken.
func PeakOccupancy(existing []Booking, start, partySize, slotMinutes int) int {
	if slotMinutes <= 0 {
		slotMinutes = DefaultSlotMinutes
	}
	end := start + slotMinutes

	events := make([]event, 0, 2*len(existing)+2)
	events = append(events, event{at: start, delta: partySize}, event{at: end, delta: -partySize})
	for _, b := range existing {
		bs, be := b.StartMinute, b.StartMinute+slotMinutes
		if bs >= end || be <= start || b.PartySize <= 0 {
			continue
		}
		events = append(events,
			event{at: max(bs, start), delta: b.PartySize},
			event{at: min(be, end), delta: -b.PartySize},
		)
	}

	slices.SortFunc(events, func(a, b event) int {
		if a.at != b.at {
			return a.at - b.at
		}
		return a.delta - b.delta
	})

	peak, running := 0, 0
	for _, e := range events {
		running += e.delta
		peak = max(peak, running)
	}
	return peak
}

// IsAvailable reports whether the requested party fits without the seated
// guest count ever exceeding capacity.
func IsAvailable(existing []Booking, start, partySize, slotMinutes, capacity int) bool {
	return PeakOccupancy(existing, start, partySize, slotMinutes) <= capacity
}

// WithinOpeningHours reports whether a seating at start is accepted. closes
// at or before opens means the restaurant is open past midnight. Equal zero
// values mean no opening hours are configured.
func WithinOpeningHours(start, opens, closes int) bool {
	if opens == 0 && closes == 0 {
		return true
	}
	if closes > opens {
		return start >= opens && start < closes
	}
	return start >= opens || start < closes
}

// ParseClock parses "19:30", "19.30", "19 Uhr" or "7" into minutes since midnight.
func ParseClock(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimSuffix(s, "uhr"))
	hh, mm, found := strings.Cut(strings.ReplaceAll(s, ".", ":"), ":")
	h, err := strconv.Atoi(strings.TrimSpace(hh))
	if err != nil {
		return 0, fmt.Errorf("capacity: parse time %q: %w", s, err)
	}
	m := 0
	if found {
		if m, err = strconv.Atoi(strings.TrimSpace(mm)); err != nil {
			return 0, fmt.Errorf("capacity: parse time %q: %w", s, err)
		}
	}
	if h == 24 && m == 0 {
		h = 0
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("capacity: time %q out of range", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minute int) string {
	minute = ((minute % 1440) + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
