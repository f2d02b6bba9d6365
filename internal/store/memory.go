package store

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/hostline/internal/capacity"
)

// Op names a [MemoryStore] operation for failure injection.
type Op string

const (
	OpTenantSettings    Op = "tenant_settings"
	OpCountCalls        Op = "count_calls"
	OpBookings          Op = "bookings"
	OpCreateReservation Op = "create_reservation"
	OpStartCall         Op = "start_call"
	OpFinishCall        Op = "finish_call"
	OpAppendTranscript  Op = "append_transcript"
)

// MemoryStore is an in-process [Store].
type MemoryStore struct {
	mu           sync.Mutex
	tenants      map[string]TenantSettings
	reservations []Reservation
	calls        map[string]CallLog
	transcripts  []TranscriptEntry
	errs         map[Op]error
	now          func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]TenantSettings),
		calls:   make(map[string]CallLog),
		errs:    make(map[Op]error),
		now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// PutTenant adds or replaces tenant settings.
func (m *MemoryStore) PutTenant(t TenantSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

// SetError makes op fail with err until cleared with a nil err.
func (m *MemoryStore) SetError(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Reservations returns a copy of all stored reservations.
func (m *MemoryStore) Reservations() []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reservation(nil), m.reservations...)
}

// Transcripts returns a copy of all stored transcript entries.
func (m *MemoryStore) Transcripts() []TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TranscriptEntry(nil), m.transcripts...)
}

// Call returns the call log row for callID.
func (m *MemoryStore) Call(callID string) (CallLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// TenantSettings implements [Store].
func (m *MemoryStore) TenantSettings(_ context.Context, tenantID string) (*TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpTenantSettings]; err != nil {
		return nil, err
	}
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	t.ClosedDays = append([]time.Weekday(nil), t.ClosedDays...)
	t.HandoffNumbers = append([]string(nil), t.HandoffNumbers...)
	return &t, nil
}

// TenantByNumber implements [Store].
func (m *MemoryStore) TenantByNumber(_ context.Context, number string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := digitsOnly(number)
	for id, t := range m.tenants {
		if want != "" && digitsOnly(t.BotNumber) == want {
			return id, nil
		}
	}
	return "", ErrNotFound
}

// CountCalls implements [Store].
func (m *MemoryStore) CountCalls(_ context.Context, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpCountCalls]; err != nil {
		return 0, err
	}
	n := 0
	for _, c := range m.calls {
		if c.TenantID == tenantID && c.Outcome != OutcomeRejected && !c.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Bookings implements [Store].
func (m *MemoryStore) Bookings(_ context.Context, tenantID string, date time.Time) ([]capacity.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpBookings]; err != nil {
		return nil, err
	}
	day := date.Format(capacity.DateLayout)
	var out []capacity.Booking
	for _, r := range m.reservations {
		if r.TenantID == tenantID && r.Status == ReservationConfirmed && r.Date.Format(capacity.DateLayout) == day {
			out = append(out, capacity.Booking{StartMinute: r.StartMinute, PartySize: r.PartySize})
		}
	}
	return out, nil
}

// CreateReservation implements [Store].
func (m *MemoryStore) CreateReservation(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpCreateReservation]; err != nil {
		return err
	}
	prepareReservation(r, m.now())
	m.reservations = append(m.reservations, *r)
	return nil
}

// StartCall implements [Store].
func (m *MemoryStore) StartCall(_ context.Context, c CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpStartCall]; err != nil {
		return err
	}
	if c.Outcome == "" {
		c.Outcome = OutcomeInProgress
	}
	m.calls[c.CallID] = c
	return nil
}

// FinishCall implements [Store].
func (m *MemoryStore) FinishCall(_ context.Context, callID, outcome string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpFinishCall]; err != nil {
		return err
	}
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.Outcome = outcome
	c.EndedAt = endedAt
	m.calls[callID] = c
	return nil
}

// AppendTranscript implements [Store].
func (m *MemoryStore) AppendTranscript(_ context.Context, e TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpAppendTranscript]; err != nil {
		return err
	}
	m.transcripts = append(m.transcripts, e)
	return nil
}
