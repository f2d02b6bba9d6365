package capacity

import (
	"time"
)

// Rules is the per-tenant configuration the availability check depends on.
type Rules struct {
	Capacity    int
	SlotMinutes int
	OpensAt     int
	ClosesAt    int
	ClosedDays  []time.Weekday
}

// Query is an availability question with an already resolved date.
type Query struct {
	Date      time.Time
	Minute    int
	PartySize int
}

// Rejection reasons reported in [Availability.Reason].
const (
	ReasonPastDate     = "past_date"
	ReasonClosedDay    = "closed_day"
	ReasonOutsideHours = "outside_opening_hours"
	ReasonCapacity     = "capacity_exceeded"
	ReasonPartySize    = "invalid_party_size"
)

// Availability is the structured answer handed back to the language model.
// Domain rejections are flags here, never errors.
type Availability struct {
	Available           bool   `json:"available"`
	Date                string `json:"date"`
	Time                string `json:"time"`
	PartySize           int    `json:"party_size"`
	IsPastDate          bool   `json:"is_past_date"`
	IsClosedDay         bool   `json:"is_closed_day"`
	OutsideOpeningHours bool   `json:"outside_opening_hours"`
	PeakOccupancy       int    `json:"peak_occupancy"`
	RemainingCapacity   int    `json:"remaining_capacity"`
	Reason              string `json:"reason,omitempty"`
}

// Check evaluates every rule for q. Calendar rules are checked first and
// short-circuit the capacity sweep.
func Check(q Query, r Rules, existing []Booking, today time.Time) Availability {
	a := Availability{
		Date:      q.Date.Format(DateLayout),
		Time:      FormatClock(q.Minute),
		PartySize: q.PartySize,
	}

	switch {
	case q.PartySize <= 0:
		a.Reason = ReasonPartySize
		return a
	case IsPastDate(q.Date, today):
		a.IsPastDate = true
		a.Reason = ReasonPastDate
		return a
	case IsClosedDay(q.Date, r.ClosedDays):
		a.IsClosedDay = true
		a.Reason = ReasonClosedDay
		return a
	case !WithinOpeningHours(q.Minute, r.OpensAt, r.ClosesAt):
		a.OutsideOpeningHours = true
		a.Reason = ReasonOutsideHours
		return a
	}

	a.PeakOccupancy = PeakOccupancy(existing, q.Minute, q.PartySize, r.SlotMinutes)
	a.RemainingCapacity = max(r.Capacity-a.PeakOccupancy, 0)
	a.Available = a.PeakOccupancy <= r.Capacity
	if !a.Available {
		a.Reason = ReasonCapacity
	}
	return a
}
