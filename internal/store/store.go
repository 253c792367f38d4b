// Package store is the durable state layer, backed by Postgres.
//
// Two database-level primitives carry the cross-process correctness load:
//
//   - trigger claims serialize on a transaction-scoped advisory lock keyed
//     by (condition, threshold), so at most one process records a trigger
//     per condition even under concurrent crossings (triggers.go);
//
//   - exit claims use a single conditional UPDATE, so at most one worker
//     ever owns an exit for a position (positions.go).
//
// Everything else is plain reads and writes. All money columns are NUMERIC
// and scan into decimal.Decimal.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS triggers (
	token_id      TEXT        NOT NULL,
	condition_id  TEXT        NOT NULL,
	threshold     NUMERIC     NOT NULL,
	price         NUMERIC     NOT NULL,
	size          NUMERIC,
	score         NUMERIC,
	outcome       TEXT        NOT NULL DEFAULT '',
	outcome_index INTEGER     NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (token_id, condition_id, threshold)
);
CREATE INDEX IF NOT EXISTS idx_triggers_condition
	ON triggers (condition_id, threshold);

CREATE TABLE IF NOT EXISTS positions (
	id              BIGSERIAL   PRIMARY KEY,
	token_id        TEXT        NOT NULL,
	condition_id    TEXT        NOT NULL,
	outcome         TEXT        NOT NULL DEFAULT '',
	outcome_index   INTEGER     NOT NULL DEFAULT 0,
	side            TEXT        NOT NULL DEFAULT 'BUY',
	size            NUMERIC     NOT NULL,
	entry_price     NUMERIC     NOT NULL,
	entry_cost      NUMERIC     NOT NULL,
	current_price   NUMERIC,
	realized_pnl    NUMERIC     NOT NULL DEFAULT 0,
	status          TEXT        NOT NULL DEFAULT 'open',
	entry_order_id  TEXT,
	entry_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	exit_order_id   TEXT        NOT NULL DEFAULT '',
	exit_timestamp  TIMESTAMPTZ,
	exit_pending    BOOLEAN     NOT NULL DEFAULT FALSE,
	exit_status     TEXT        NOT NULL DEFAULT '',
	exit_claimed_at TIMESTAMPTZ,
	resolution      TEXT,
	hold_start_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	age_source      TEXT        NOT NULL DEFAULT 'unknown',
	cost_basis_unknown BOOLEAN  NOT NULL DEFAULT FALSE,
	import_source   TEXT        NOT NULL DEFAULT '',
	description     TEXT        NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_token
	ON positions (token_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS orders (
	order_id       TEXT        PRIMARY KEY,
	token_id       TEXT        NOT NULL,
	condition_id   TEXT        NOT NULL,
	side           TEXT        NOT NULL,
	price          NUMERIC     NOT NULL,
	size           NUMERIC     NOT NULL,
	filled_size    NUMERIC     NOT NULL DEFAULT 0,
	avg_fill_price NUMERIC,
	status         TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);

CREATE TABLE IF NOT EXISTS exit_events (
	id            BIGSERIAL   PRIMARY KEY,
	position_id   BIGINT      NOT NULL,
	token_id      TEXT        NOT NULL,
	condition_id  TEXT        NOT NULL,
	exit_type     TEXT        NOT NULL,
	entry_price   NUMERIC     NOT NULL,
	exit_price    NUMERIC     NOT NULL,
	size          NUMERIC     NOT NULL,
	gross_pnl     NUMERIC     NOT NULL,
	net_pnl       NUMERIC     NOT NULL,
	hours_held    DOUBLE PRECISION NOT NULL,
	exit_order_id TEXT        NOT NULL DEFAULT '',
	status        TEXT        NOT NULL,
	reason        TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trade_watchlist (
	token_id          TEXT        PRIMARY KEY,
	condition_id      TEXT        NOT NULL,
	question          TEXT        NOT NULL DEFAULT '',
	trigger_price     NUMERIC,
	initial_score     DOUBLE PRECISION NOT NULL,
	current_score     DOUBLE PRECISION NOT NULL,
	time_to_end_hours DOUBLE PRECISION NOT NULL,
	status            TEXT        NOT NULL DEFAULT 'watching',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions_sync_log (
	run_id             TEXT        PRIMARY KEY,
	sync_type          TEXT        NOT NULL,
	wallet_address     TEXT        NOT NULL,
	positions_found    INTEGER     NOT NULL DEFAULT 0,
	positions_imported INTEGER     NOT NULL DEFAULT 0,
	positions_updated  INTEGER     NOT NULL DEFAULT 0,
	positions_closed   INTEGER     NOT NULL DEFAULT 0,
	errors             TEXT        NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ
);
`

// Store wraps the Postgres connection pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to Postgres, verifies connectivity, and ensures the schema
// exists. An unreachable database is fatal to startup.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Ping checks database connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
