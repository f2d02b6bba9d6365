package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/hostline/internal/capacity"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// assign copies src values into scan destinations by reflection.
func assign(dest []any, src []any) error {
	if len(dest) != len(src) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(src), len(dest))
	}
	for i, v := range src {
		d := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			d.Set(reflect.Zero(d.Type()))
			continue
		}
		d.Set(reflect.ValueOf(v))
	}
	return nil
}

type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type mockRows struct {
	data [][]any
	idx  int
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(dest, r.data[r.idx-1]) }

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	row   *mockRow
	rows  *mockRows
	tag   pgconn.CommandTag
	err   error
	execs []execCall
	args  []any
}

func (m *mockDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	m.args = args
	return m.row
}

func (m *mockDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	m.args = args
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return m.tag, m.err
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPostgresStore_TenantSettingsNormalizesClosedDays(t *testing.T) {
	t.Parallel()

	lowLatency := true
	db := &mockDB{row: &mockRow{values: []any{
		"t1", "Trattoria", 20, 120, 17 * 60, 23 * 60, "Montag, dienstag und 1",
		"active", 500, []string{"+49301234"}, "+49309999",
		"de", "voice-1", "Europe/Berlin", "", &lowLatency,
	}}}
	s := NewPostgresStore(db)

	got, err := s.TenantSettings(t.Context(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Tuesday}
	if !reflect.DeepEqual(got.ClosedDays, want) {
		t.Errorf("ClosedDays = %v, want %v", got.ClosedDays, want)
	}
	if !got.Active() {
		t.Error("Active() = false for active subscription")
	}
	if got.LowLatency == nil || !*got.LowLatency {
		t.Error("LowLatency override lost")
	}
}

func TestPostgresStore_TenantSettingsNotFound(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{row: &mockRow{err: pgx.ErrNoRows}})
	if _, err := s.TenantSettings(t.Context(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Bookings(t *testing.T) {
	t.Parallel()

	db := &mockDB{rows: &mockRows{data: [][]any{{18 * 60, 4}, {19 * 60, 2}}}}
	s := NewPostgresStore(db)

	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	got, err := s.Bookings(t.Context(), "t1", date)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []capacity.Booking{{StartMinute: 18 * 60, PartySize: 4}, {StartMinute: 19 * 60, PartySize: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Bookings = %v, want %v", got, want)
	}
	if db.args[1] != "2026-03-14" {
		t.Errorf("date arg = %v, want 2026-03-14", db.args[1])
	}
}

func TestPostgresStore_CreateReservationFillsDefaults(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewPostgresStore(db)

	r := &Reservation{TenantID: "t1", Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), StartMinute: 1140, PartySize: 4, Name: "Meier"}
	if err := s.CreateReservation(t.Context(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("ID not generated")
	}
	if r.Status != ReservationConfirmed {
		t.Errorf("Status = %q, want %q", r.Status, ReservationConfirmed)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "INSERT INTO reservations") {
		t.Fatalf("execs = %+v", db.execs)
	}
}

func TestPostgresStore_CreateReservationDuplicate(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{err: &pgconn.PgError{Code: "23505"}})
	err := s.CreateReservation(t.Context(), &Reservation{TenantID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v, want duplicate error", err)
	}
}

func TestPostgresStore_FinishCallUnknown(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{tag: pgconn.NewCommandTag("UPDATE 0")})
	if err := s.FinishCall(t.Context(), "CA1", OutcomeCompleted, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_TenantByNumberComparesDigits(t *testing.T) {
	t.Parallel()

	db := &mockDB{row: &mockRow{values: []any{"t1"}}}
	s := NewPostgresStore(db)

	id, err := s.TenantByNumber(t.Context(), "+49 (30) 99-99")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "t1" {
		t.Errorf("id = %q, want t1", id)
	}
	if db.args[0] != "49309999" {
		t.Errorf("number arg = %v, want 49309999", db.args[0])
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := NewPostgresStore(db).Migrate(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, table := range []string{"tenants", "reservations", "call_logs", "transcript_entries"} {
		if !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}
