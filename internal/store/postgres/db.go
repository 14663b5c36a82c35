package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gocomet/poolride/internal/store"
	"github.com/lib/pq"
)

// Querier is an interface satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Ensure interfaces are satisfied.
var (
	_ Querier     = (*sql.DB)(nil)
	_ Querier     = (*sql.Tx)(nil)
	_ store.Store = (*Store)(nil)
)

// Store is the PostgreSQL record store
type Store struct {
	db *sql.DB
	repos
}

// New wraps an open connection pool
func New(db *sql.DB) *Store {
	return &Store{db: db, repos: repos{q: db}}
}

type repos struct {
	q Querier
}

func (r repos) Rides() store.RideRepository     { return &RideRepository{q: r.q} }
func (r repos) Holds() store.HoldRepository     { return &HoldRepository{q: r.q} }
func (r repos) Members() store.MemberRepository { return &MemberRepository{q: r.q} }
func (r repos) Ledger() store.LedgerRepository  { return &LedgerRepository{q: r.q} }

// RunInTx runs fn in a REPEATABLE READ transaction. Serialization failures and
// lost version races surface as store.ErrConflict.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, repos{q: tx}); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they don't exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// mapError turns postgres concurrency failures into store.ErrConflict
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		}
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id                   TEXT PRIMARY KEY,
	rider_id             TEXT NOT NULL,
	pickup_lat           DOUBLE PRECISION NOT NULL,
	pickup_lng           DOUBLE PRECISION NOT NULL,
	dropoff_lat          DOUBLE PRECISION NOT NULL,
	dropoff_lng          DOUBLE PRECISION NOT NULL,
	home_city            TEXT NOT NULL DEFAULT '',
	duration_minutes     DOUBLE PRECISION NOT NULL,
	plan                 TEXT NOT NULL,
	membership_status    TEXT NOT NULL,
	status               TEXT NOT NULL,
	pool_type            TEXT NOT NULL,
	group_id             TEXT NOT NULL DEFAULT '',
	max_riders           INTEGER NOT NULL,
	current_rider_count  INTEGER NOT NULL CHECK (current_rider_count <= max_riders),
	fare                 JSONB NOT NULL DEFAULT '{}',
	charged_amount_cents BIGINT NOT NULL CHECK (charged_amount_cents >= 0),
	surcharge_cents      BIGINT NOT NULL DEFAULT 0,
	pickup_inside        BOOLEAN NOT NULL DEFAULT FALSE,
	dropoff_inside       BOOLEAN NOT NULL DEFAULT FALSE,
	client_total_cents   BIGINT NOT NULL DEFAULT 0,
	charge_mismatch      BOOLEAN NOT NULL DEFAULT FALSE,
	payment_status       TEXT NOT NULL,
	pickup_code          TEXT NOT NULL DEFAULT '',
	dropoff_code         TEXT NOT NULL DEFAULT '',
	gender               TEXT NOT NULL DEFAULT '',
	institution_verified BOOLEAN NOT NULL DEFAULT FALSE,
	driver_id            TEXT NOT NULL DEFAULT '',
	rating               INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	version              BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS rides_plan_status_created_idx ON rides (plan, status, created_at DESC);
CREATE INDEX IF NOT EXISTS rides_group_idx ON rides (group_id) WHERE group_id <> '';

CREATE TABLE IF NOT EXISTS payment_holds (
	id                TEXT PRIMARY KEY,
	ride_id           TEXT NOT NULL REFERENCES rides (id),
	rider_id          TEXT NOT NULL,
	gateway_id        TEXT NOT NULL DEFAULT '',
	client_secret     TEXT NOT NULL DEFAULT '',
	currency          TEXT NOT NULL,
	base_fare_cents   BIGINT NOT NULL,
	max_tip_cents     BIGINT NOT NULL,
	initial_tip_cents BIGINT NOT NULL,
	tip_cents         BIGINT NOT NULL,
	authorized_cents  BIGINT NOT NULL,
	captured_cents    BIGINT NOT NULL DEFAULT 0 CHECK (captured_cents <= authorized_cents),
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	version           BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS payment_holds_ride_idx ON payment_holds (ride_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS payment_holds_one_open_idx ON payment_holds (ride_id)
	WHERE status IN ('preauth_pending', 'requires_capture', 'paid');

CREATE TABLE IF NOT EXISTS memberships (
	user_id              TEXT PRIMARY KEY,
	plan                 TEXT NOT NULL,
	status               TEXT NOT NULL,
	expires_at           TIMESTAMPTZ,
	institution_verified BOOLEAN NOT NULL DEFAULT FALSE,
	gender               TEXT NOT NULL DEFAULT '',
	home_city            TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	ride_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	amount_cents    BIGINT NOT NULL,
	surcharge_cents BIGINT NOT NULL DEFAULT 0,
	detail          JSONB NOT NULL DEFAULT '{}',
	recorded_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ride_id, kind)
);
`
