// Package store defines the datastore the call path depends on: tenant
// settings, existing bookings, reservations, call logs and transcripts.
//
// [PostgresStore] is the production implementation; [MemoryStore] backs tests
// and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hostline/internal/capacity"
)

// ErrNotFound is returned when a tenant or call does not exist.
var ErrNotFound = errors.New("store: not found")

// Subscription states that allow the agent to answer calls.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
)

// TenantSettings is the per-restaurant configuration loaded at call start.
type TenantSettings struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Capacity    int    `json:"capacity"`
	SlotMinutes int    `json:"slot_minutes"`

	// OpensAt and ClosesAt are minutes since midnight. Both zero means open
	// all day.
	OpensAt  int `json:"opens_at"`
	ClosesAt int `json:"closes_at"`

	ClosedDays []time.Weekday `json:"closed_days"`

	SubscriptionStatus string `json:"subscription_status"`
	MonthlyCallQuota   int    `json:"monthly_call_quota"`

	// HandoffNumbers are tried in order when transferring to a human.
	HandoffNumbers []string `json:"handoff_numbers"`

	BotNumber string `json:"bot_number"`
	Language  string `json:"language"`
	VoiceID   string `json:"voice_id"`
	TimeZone  string `json:"time_zone"`
	Greeting  string `json:"greeting"`

	// LowLatency overrides the rollout decision when set.
	LowLatency *bool `json:"low_latency,omitempty"`
}

// Active reports whether the subscription allows answering calls.
func (t *TenantSettings) Active() bool {
	return t.SubscriptionStatus == SubscriptionActive || t.SubscriptionStatus == SubscriptionTrialing
}

// Location returns the tenant's time zone, falling back to fallback when the
// zone is empty or unknown.
func (t *TenantSettings) Location(fallback *time.Location) *time.Location {
	if t.TimeZone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return fallback
	}
	return loc
}

// Rules returns the capacity rules derived from the settings.
func (t *TenantSettings) Rules() capacity.Rules {
	return capacity.Rules{
		Capacity:    t.Capacity,
		SlotMinutes: t.SlotMinutes,
		OpensAt:     t.OpensAt,
		ClosesAt:    t.ClosesAt,
		ClosedDays:  t.ClosedDays,
	}
}

// ReservationConfirmed is the status of a booked table.
const ReservationConfirmed = "confirmed"

// Reservation is a persisted booking.
type Reservation struct {
	ID          uuid.UUID
	TenantID    string
	CallID      string
	Date        time.Time
	StartMinute int
	PartySize   int
	Name        string
	Phone       string
	Status      string
	CreatedAt   time.Time
}

// Call outcomes recorded in [CallLog.Outcome].
const (
	OutcomeInProgress  = "in_progress"
	OutcomeCompleted   = "completed"
	OutcomeReservation = "reservation"
	OutcomeHandoff     = "handoff"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
)

// CallLog is one row per handled call.
type CallLog struct {
	CallID    string
	TenantID  string
	Caller    string
	BotNumber string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
}

// TranscriptEntry is one spoken message of a call.
type TranscriptEntry struct {
	CallID   string
	TenantID string
	Role     string
	Text     string
	At       time.Time
}

// Store is the datastore used by the call path. Implementations must be safe
// for concurrent use.
type Store interface {
	// TenantSettings returns the settings of tenantID or [ErrNotFound].
	TenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error)

	// TenantByNumber returns the id of the tenant whose bot answers number,
	// or [ErrNotFound].
	TenantByNumber(ctx context.Context, number string) (string, error)

	// CountCalls returns the number of calls logged for tenantID since since.
	CountCalls(ctx context.Context, tenantID string, since time.Time) (int, error)

	// Bookings returns the confirmed reservations of tenantID on date.
	Bookings(ctx context.Context, tenantID string, date time.Time) ([]capacity.Booking, error)

	// CreateReservation persists r. ID, Status and CreatedAt are filled in
	// when empty.
	CreateReservation(ctx context.Context, r *Reservation) error

	// StartCall inserts the call log row of a connected call.
	StartCall(ctx context.Context, c CallLog) error

	// FinishCall records the end of a call.
	FinishCall(ctx context.Context, callID, outcome string, endedAt time.Time) error

	// AppendTranscript stores one transcript entry.
	AppendTranscript(ctx context.Context, e TranscriptEntry) error
}

// prepareReservation fills defaults shared by all implementations.
func prepareReservation(r *Reservation, now time.Time) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ReservationConfirmed
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

// MonthStart returns midnight of the first day of t's month in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
