// Package persistence is the embedded relational store of §4.9: klines,
// positions, trades, ledger, equity_snapshots, alerts, and a key/value
// app_state table, backed by modernc.org/sqlite (pure Go, no cgo) rather
// than the teacher's Postgres/pgx — see DESIGN.md for the rationale. The
// schema-bootstrap and typed-helper shape follows the teacher's
// internal/db.Logger; the single-writer connection discipline follows the
// pack's SQLite adapter.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"perpsim/internal/market"
)

const schema = `
CREATE TABLE IF NOT EXISTS klines (
	symbol     TEXT    NOT NULL,
	interval   TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	close_time INTEGER NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	volume     REAL    NOT NULL,
	trades     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, interval, open_time)
);

CREATE TABLE IF NOT EXISTS positions (
	position_id  TEXT PRIMARY KEY,
	strategy     TEXT    NOT NULL,
	symbol       TEXT    NOT NULL,
	side         TEXT    NOT NULL,
	entry_price  REAL    NOT NULL,
	qty          REAL    NOT NULL,
	stop_price   REAL    NOT NULL,
	tp1_price    REAL    NOT NULL,
	tp2_price    REAL    NOT NULL,
	tp1_hit      INTEGER NOT NULL DEFAULT 0,
	entry_time   INTEGER NOT NULL,
	leverage     INTEGER NOT NULL,
	margin       REAL    NOT NULL,
	status       TEXT    NOT NULL,
	realized_pnl REAL    NOT NULL DEFAULT 0,
	fees_total   REAL    NOT NULL DEFAULT 0,
	liq_price    REAL    NOT NULL DEFAULT 0,
	close_time   INTEGER,
	close_reason TEXT,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_strategy_status ON positions(symbol, strategy, status);

CREATE TABLE IF NOT EXISTS trades (
	trade_id    TEXT PRIMARY KEY,
	strategy    TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	position_id TEXT    NOT NULL,
	side        TEXT    NOT NULL,
	trade_type  TEXT    NOT NULL,
	price       REAL    NOT NULL,
	qty         REAL    NOT NULL,
	notional    REAL    NOT NULL,
	fee_amount  REAL    NOT NULL,
	fee_rate    REAL    NOT NULL,
	timestamp   INTEGER NOT NULL,
	reason      TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy_ts ON trades(strategy, timestamp);

CREATE TABLE IF NOT EXISTS ledger (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy  TEXT    NOT NULL,
	timestamp INTEGER NOT NULL,
	type      TEXT    NOT NULL,
	amount    REAL    NOT NULL,
	currency  TEXT    NOT NULL,
	symbol    TEXT    NOT NULL,
	ref       TEXT    NOT NULL,
	note      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_funding_dedup ON ledger(strategy, type, ref);

CREATE TABLE IF NOT EXISTS equity_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy    TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	balance     REAL    NOT NULL,
	equity      REAL    NOT NULL,
	upl         REAL    NOT NULL,
	margin_used REAL    NOT NULL,
	free_margin REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_strategy_ts ON equity_snapshots(strategy, timestamp);

CREATE TABLE IF NOT EXISTS alerts (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy  TEXT    NOT NULL,
	kind      TEXT    NOT NULL,
	message   TEXT    NOT NULL,
	channel   TEXT    NOT NULL,
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the embedded SQL persistence layer. A single *sql.DB handle is
// opened once by RuntimeEngine and shared; SetMaxOpenConns(1) serializes
// writers as §5 requires (matching the pack's SQLite adapter).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite file at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence.Open: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Execute runs an arbitrary write statement, used by callers that need a
// one-off DDL/DML not covered by a typed helper.
func (s *Store) Execute(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// UpsertKline commits one closed bar, idempotent on (symbol, interval,
// open_time) per I4.
func (s *Store) UpsertKline(ctx context.Context, symbol string, interval market.Interval, bar market.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO klines (symbol, interval, open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
			close_time = excluded.close_time, open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume, trades = excluded.trades
	`, symbol, string(interval), bar.OpenTime, bar.CloseTime, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Trades)
	if err != nil {
		return fmt.Errorf("persistence.UpsertKline: %w", err)
	}
	return nil
}

// ListKlines returns up to limit closed bars for (symbol, interval),
// oldest-first, optionally filtered to [since, until] in epoch ms.
func (s *Store) ListKlines(ctx context.Context, symbol string, interval market.Interval, since, until int64, limit, offset int) ([]market.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM klines WHERE symbol=? AND interval=? AND open_time>=? AND open_time<=?
		ORDER BY open_time ASC LIMIT ? OFFSET ?
	`, symbol, string(interval), since, nonZeroOrMax(until), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("persistence.ListKlines: %w", err)
	}
	defer rows.Close()

	var out []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.OpenTime, &b.CloseTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Trades); err != nil {
			return nil, fmt.Errorf("persistence.ListKlines: scan: %w", err)
		}
		b.IsClosed = true
		out = append(out, b)
	}
	return out, rows.Err()
}

func nonZeroOrMax(until int64) int64 {
	if until <= 0 {
		return 1<<62 - 1
	}
	return until
}
