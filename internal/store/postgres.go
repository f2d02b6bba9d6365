package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hostline/internal/capacity"
)

// Schema is the SQL DDL for the hostline tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// closed_days is free text as entered by the restaurant ("Mo, Di",
// "[1,2]", "monday and tuesday"); it is normalized on read.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    capacity            INTEGER NOT NULL DEFAULT 0,
    slot_minutes        INTEGER NOT NULL DEFAULT 120,
    opens_at            INTEGER NOT NULL DEFAULT 0,
    closes_at           INTEGER NOT NULL DEFAULT 0,
    closed_days         TEXT NOT NULL DEFAULT '',
    subscription_status TEXT NOT NULL DEFAULT 'inactive',
    monthly_call_quota  INTEGER NOT NULL DEFAULT 0,
    handoff_numbers     TEXT[] NOT NULL DEFAULT '{}',
    bot_number          TEXT NOT NULL DEFAULT '',
    language            TEXT NOT NULL DEFAULT 'de',
    voice_id            TEXT NOT NULL DEFAULT '',
    time_zone           TEXT NOT NULL DEFAULT 'Europe/Berlin',
    greeting            TEXT NOT NULL DEFAULT '',
    low_latency         BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_tenants_bot_number ON tenants(bot_number);

CREATE TABLE IF NOT EXISTS reservations (
    id           UUID PRIMARY KEY,
    tenant_id    TEXT NOT NULL REFERENCES tenants(id),
    call_id      TEXT NOT NULL DEFAULT '',
    date         DATE NOT NULL,
    start_minute INTEGER NOT NULL,
    party_size   INTEGER NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    phone        TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'confirmed',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reservations_tenant_date ON reservations(tenant_id, date);

CREATE TABLE IF NOT EXISTS call_logs (
    call_id    TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    caller     TEXT NOT NULL DEFAULT '',
    bot_number TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ,
    outcome    TEXT NOT NULL DEFAULT 'in_progress'
);
CREATE INDEX IF NOT EXISTS idx_call_logs_tenant_started ON call_logs(tenant_id, started_at);

CREATE TABLE IF NOT EXISTS transcript_entries (
    id        BIGSERIAL PRIMARY KEY,
    call_id   TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    role      TEXT NOT NULL,
    text      TEXT NOT NULL,
    at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_call ON transcript_entries(call_id, at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPool opens a connection pool for dsn and verifies it with a ping.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// TenantSettings implements [Store].
func (s *PostgresStore) TenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error) {
	const query = `
		SELECT id, name, capacity, slot_minutes, opens_at, closes_at, closed_days,
		       subscription_status, monthly_call_quota, handoff_numbers, bot_number,
		       language, voice_id, time_zone, greeting, low_latency
		FROM tenants
		WHERE id = $1`

	var t TenantSettings
	var closedDays string
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&t.ID, &t.Name, &t.Capacity, &t.SlotMinutes, &t.OpensAt, &t.ClosesAt, &closedDays,
		&t.SubscriptionStatus, &t.MonthlyCallQuota, &t.HandoffNumbers, &t.BotNumber,
		&t.Language, &t.VoiceID, &t.TimeZone, &t.Greeting, &t.LowLatency,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: tenant %q: %w", tenantID, err)
	}
	t.ClosedDays = capacity.NormalizeClosedDays(closedDays)
	return &t, nil
}

// TenantByNumber implements [Store]. Numbers are compared digits-only so
// "+49 30 1234" matches "004930 1234".
func (s *PostgresStore) TenantByNumber(ctx context.Context, number string) (string, error) {
	digits := digitsOnly(number)
	if digits == "" {
		return "", ErrNotFound
	}
	const query = `
		SELECT id FROM tenants
		WHERE regexp_replace(regexp_replace(bot_number, '[^0-9]', '', 'g'), '^00', '') = $1
		LIMIT 1`

	var id string
	if err := s.db.QueryRow(ctx, query, digits).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: tenant by number: %w", err)
	}
	return id, nil
}

// CountCalls implements [Store].
func (s *PostgresStore) CountCalls(ctx context.Context, tenantID string, since time.Time) (int, error) {
	const query = `SELECT count(*) FROM call_logs WHERE tenant_id = $1 AND started_at >= $2 AND outcome <> 'rejected'`
	var n int
	if err := s.db.QueryRow(ctx, query, tenantID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count calls: %w", err)
	}
	return n, nil
}

// Bookings implements [Store].
func (s *PostgresStore) Bookings(ctx context.Context, tenantID string, date time.Time) ([]capacity.Booking, error) {
	const query = `
		SELECT start_minute, party_size
		FROM reservations
		WHERE tenant_id = $1 AND date = $2 AND status = 'confirmed'
		ORDER BY start_minute`

	rows, err := s.db.Query(ctx, query, tenantID, date.Format(capacity.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("store: bookings: %w", err)
	}
	defer rows.Close()

	var out []capacity.Booking
	for rows.Next() {
		var b capacity.Booking
		if err := rows.Scan(&b.StartMinute, &b.PartySize); err != nil {
			return nil, fmt.Errorf("store: bookings scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: bookings: %w", err)
	}
	return out, nil
}

// CreateReservation implements [Store].
func (s *PostgresStore) CreateReservation(ctx context.Context, r *Reservation) error {
	prepareReservation(r, time.Now())

	const query = `
		INSERT INTO reservations (
			id, tenant_id, call_id, date, start_minute, party_size, name, phone, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.db.Exec(ctx, query,
		r.ID, r.TenantID, r.CallID, r.Date.Format(capacity.DateLayout), r.StartMinute, r.PartySize,
		r.Name, r.Phone, r.Status, r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: reservation %s already exists", r.ID)
		}
		return fmt.Errorf("store: create reservation: %w", err)
	}
	return nil
}

// StartCall implements [Store]. A repeated start for the same call id keeps
// the first row.
func (s *PostgresStore) StartCall(ctx context.Context, c CallLog) error {
	if c.Outcome == "" {
		c.Outcome = OutcomeInProgress
	}
	const query = `
		INSERT INTO call_logs (call_id, tenant_id, caller, bot_number, started_at, outcome)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (call_id) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, c.CallID, c.TenantID, c.Caller, c.BotNumber, c.StartedAt, c.Outcome); err != nil {
		return fmt.Errorf("store: start call: %w", err)
	}
	return nil
}

// FinishCall implements [Store].
func (s *PostgresStore) FinishCall(ctx context.Context, callID, outcome string, endedAt time.Time) error {
	const query = `UPDATE call_logs SET outcome = $2, ended_at = $3 WHERE call_id = $1`
	tag, err := s.db.Exec(ctx, query, callID, outcome, endedAt)
	if err != nil {
		return fmt.Errorf("store: finish call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTranscript implements [Store].
func (s *PostgresStore) AppendTranscript(ctx context.Context, e TranscriptEntry) error {
	const query = `
		INSERT INTO transcript_entries (call_id, tenant_id, role, text, at)
		VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.db.Exec(ctx, query, e.CallID, e.TenantID, e.Role, e.Text, e.At); err != nil {
		return fmt.Errorf("store: append transcript: %w", err)
	}
	return nil
}

// digitsOnly strips everything but digits and a leading international "00".
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimPrefix(b.String(), "00")
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
