package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"perpsim/internal/domain"
)

// InsertTrade appends one immutable Trade row.
func (s *Store) InsertTrade(ctx context.Context, t domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (trade_id, strategy, symbol, position_id, side, trade_type, price, qty,
			notional, fee_amount, fee_rate, timestamp, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TradeID, t.Strategy, t.Symbol, t.PositionID, t.Side, t.Type, t.Price, t.Qty, t.Notional,
		t.FeeAmount, t.FeeRate, t.Timestamp, t.Reason)
	if err != nil {
		return fmt.Errorf("persistence.InsertTrade: %w", err)
	}
	return nil
}

// ListTrades returns trades for a strategy (or all), newest first.
func (s *Store) ListTrades(ctx context.Context, strategy string, since, until int64, limit, offset int) ([]domain.Trade, error) {
	query := `SELECT trade_id, strategy, symbol, position_id, side, trade_type, price, qty, notional,
		fee_amount, fee_rate, timestamp, reason FROM trades WHERE timestamp>=? AND timestamp<=?`
	args := []interface{}{since, nonZeroOrMax(until)}
	if strategy != "" {
		query += " AND strategy=?"
		args = append(args, strategy)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence.ListTrades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.TradeID, &t.Strategy, &t.Symbol, &t.PositionID, &t.Side, &t.Type, &t.Price,
			&t.Qty, &t.Notional, &t.FeeAmount, &t.FeeRate, &t.Timestamp, &t.Reason); err != nil {
			return nil, fmt.Errorf("persistence.ListTrades: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LedgerEntryExists checks the (strategy, type, ref) dedup key used for
// I3's at-most-once funding guarantee.
func (s *Store) LedgerEntryExists(ctx context.Context, strategy string, kind domain.LedgerType, ref string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger WHERE strategy=? AND type=? AND ref=?`,
		strategy, string(kind), ref).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("persistence.LedgerEntryExists: %w", err)
	}
	return count > 0, nil
}

// InsertLedgerEntry appends one ledger line. The unique index on
// (strategy, type, ref) makes a duplicate funding insert fail fast even if
// the caller's SELECT-before-INSERT check races.
func (s *Store) InsertLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (strategy, timestamp, type, amount, currency, symbol, ref, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Strategy, e.Timestamp, string(e.Type), e.Amount, e.Currency, e.Symbol, e.Ref, e.Note)
	if err != nil {
		return fmt.Errorf("persistence.InsertLedgerEntry: %w", err)
	}
	return nil
}

// ListLedger returns ledger entries for a strategy (or all), newest first.
func (s *Store) ListLedger(ctx context.Context, strategy string, since, until int64, limit, offset int) ([]domain.LedgerEntry, error) {
	query := `SELECT strategy, timestamp, type, amount, currency, symbol, ref, note FROM ledger
		WHERE timestamp>=? AND timestamp<=?`
	args := []interface{}{since, nonZeroOrMax(until)}
	if strategy != "" {
		query += " AND strategy=?"
		args = append(args, strategy)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence.ListLedger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var typ string
		if err := rows.Scan(&e.Strategy, &e.Timestamp, &typ, &e.Amount, &e.Currency, &e.Symbol, &e.Ref, &e.Note); err != nil {
			return nil, fmt.Errorf("persistence.ListLedger: scan: %w", err)
		}
		e.Type = domain.LedgerType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertEquitySnapshot appends one append-only equity checkpoint.
func (s *Store) InsertEquitySnapshot(ctx context.Context, e domain.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (strategy, timestamp, balance, equity, upl, margin_used, free_margin)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Strategy, e.Timestamp, e.Balance, e.Equity, e.UPL, e.MarginUsed, e.FreeMargin)
	if err != nil {
		return fmt.Errorf("persistence.InsertEquitySnapshot: %w", err)
	}
	return nil
}

// LatestEquitySnapshot returns the most recent checkpoint for a strategy,
// used on restart recovery.
func (s *Store) LatestEquitySnapshot(ctx context.Context, strategy string) (*domain.EquitySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT strategy, timestamp, balance, equity, upl, margin_used, free_margin
		FROM equity_snapshots WHERE strategy=? ORDER BY timestamp DESC LIMIT 1
	`, strategy)
	var e domain.EquitySnapshot
	if err := row.Scan(&e.Strategy, &e.Timestamp, &e.Balance, &e.Equity, &e.UPL, &e.MarginUsed, &e.FreeMargin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence.LatestEquitySnapshot: %w", err)
	}
	return &e, nil
}

// ListEquitySnapshots returns snapshots for a strategy, newest first.
func (s *Store) ListEquitySnapshots(ctx context.Context, strategy string, since, until int64, limit, offset int) ([]domain.EquitySnapshot, error) {
	query := `SELECT strategy, timestamp, balance, equity, upl, margin_used, free_margin
		FROM equity_snapshots WHERE timestamp>=? AND timestamp<=?`
	args := []interface{}{since, nonZeroOrMax(until)}
	if strategy != "" {
		query += " AND strategy=?"
		args = append(args, strategy)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence.ListEquitySnapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.EquitySnapshot
	for rows.Next() {
		var e domain.EquitySnapshot
		if err := rows.Scan(&e.Strategy, &e.Timestamp, &e.Balance, &e.Equity, &e.UPL, &e.MarginUsed, &e.FreeMargin); err != nil {
			return nil, fmt.Errorf("persistence.ListEquitySnapshots: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertAlert persists one notification record regardless of send outcome.
func (s *Store) InsertAlert(ctx context.Context, a domain.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (strategy, kind, message, channel, timestamp) VALUES (?, ?, ?, ?, ?)
	`, a.Strategy, a.Kind, a.Message, a.Channel, a.Timestamp)
	if err != nil {
		return fmt.Errorf("persistence.InsertAlert: %w", err)
	}
	return nil
}

// AppStateGet/Set implement the key/value app_state table used for small
// restart bookkeeping (e.g. last processed open_time per interval).
func (s *Store) AppStateGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persistence.AppStateGet: %w", err)
	}
	return value, true, nil
}

func (s *Store) AppStateSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("persistence.AppStateSet: %w", err)
	}
	return nil
}
