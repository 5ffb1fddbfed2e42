package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"perpsim/internal/domain"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetOpenPosition returns the single OPEN PositionRecord for (symbol,
// strategy), or nil if none exists — enforcing I1's at-most-one-OPEN
// invariant requires the caller to check this before inserting a new one.
func (s *Store) GetOpenPosition(ctx context.Context, symbol, strategy string) (*domain.PositionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT position_id, strategy, symbol, side, entry_price, qty, stop_price, tp1_price, tp2_price,
		       tp1_hit, entry_time, leverage, margin, status, realized_pnl, fees_total, liq_price,
		       close_time, close_reason, created_at, updated_at
		FROM positions WHERE symbol=? AND strategy=? AND status='OPEN' LIMIT 1
	`, symbol, strategy)
	rec, err := scanPositionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence.GetOpenPosition: %w", err)
	}
	return rec, nil
}

func scanPositionRow(row *sql.Row) (*domain.PositionRecord, error) {
	var rec domain.PositionRecord
	var tp1Hit int
	var closeTime sql.NullInt64
	var closeReason sql.NullString
	if err := row.Scan(&rec.PositionID, &rec.Strategy, &rec.Symbol, &rec.Side, &rec.EntryPrice, &rec.Qty,
		&rec.StopPrice, &rec.TP1Price, &rec.TP2Price, &tp1Hit, &rec.EntryTime, &rec.Leverage, &rec.Margin,
		&rec.Status, &rec.RealizedPnL, &rec.FeesTotal, &rec.LiqPrice, &closeTime, &closeReason,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.TP1Hit = tp1Hit != 0
	if closeTime.Valid {
		rec.CloseTime = &closeTime.Int64
	}
	if closeReason.Valid {
		reason := domain.CloseReason(closeReason.String)
		rec.CloseReason = &reason
	}
	return &rec, nil
}

// InsertPosition writes a new OPEN PositionRecord. Callers must have
// checked GetOpenPosition first (I1).
func (s *Store) InsertPosition(ctx context.Context, rec domain.PositionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (position_id, strategy, symbol, side, entry_price, qty, stop_price,
			tp1_price, tp2_price, tp1_hit, entry_time, leverage, margin, status, realized_pnl,
			fees_total, liq_price, close_time, close_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
	`, rec.PositionID, rec.Strategy, rec.Symbol, rec.Side, rec.EntryPrice, rec.Qty, rec.StopPrice,
		rec.TP1Price, rec.TP2Price, boolToInt(rec.TP1Hit), rec.EntryTime, rec.Leverage, rec.Margin,
		rec.Status, rec.RealizedPnL, rec.FeesTotal, rec.LiqPrice, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence.InsertPosition: %w", err)
	}
	return nil
}

// UpdatePositionPartial persists a TP1 partial close: qty/stop/tp1_hit
// change but the record remains OPEN.
func (s *Store) UpdatePositionPartial(ctx context.Context, positionID string, qty, stopPrice float64, tp1Hit bool, feesDelta float64, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET qty=?, stop_price=?, tp1_hit=?, fees_total=fees_total+?, updated_at=?
		WHERE position_id=?
	`, qty, stopPrice, boolToInt(tp1Hit), feesDelta, updatedAt, positionID)
	if err != nil {
		return fmt.Errorf("persistence.UpdatePositionPartial: %w", err)
	}
	return nil
}

// ClosePosition finalizes a PositionRecord: status -> CLOSED with the
// terminal realized_pnl/fees/close metadata.
func (s *Store) ClosePosition(ctx context.Context, positionID string, realizedPnLDelta, feesDelta float64, closeTime int64, reason domain.CloseReason, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status='CLOSED', realized_pnl=realized_pnl+?, fees_total=fees_total+?,
			close_time=?, close_reason=?, updated_at=?
		WHERE position_id=?
	`, realizedPnLDelta, feesDelta, closeTime, string(reason), updatedAt, positionID)
	if err != nil {
		return fmt.Errorf("persistence.ClosePosition: %w", err)
	}
	return nil
}

// ListPositions returns positions for a strategy (or all strategies when
// strategy==""), newest first, paginated.
func (s *Store) ListPositions(ctx context.Context, strategy string, limit, offset int) ([]domain.PositionRecord, error) {
	query := `SELECT position_id, strategy, symbol, side, entry_price, qty, stop_price, tp1_price, tp2_price,
		tp1_hit, entry_time, leverage, margin, status, realized_pnl, fees_total, liq_price,
		close_time, close_reason, created_at, updated_at FROM positions`
	args := []interface{}{}
	if strategy != "" {
		query += " WHERE strategy=?"
		args = append(args, strategy)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence.ListPositions: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionRecord
	for rows.Next() {
		var rec domain.PositionRecord
		var tp1Hit int
		var closeTime sql.NullInt64
		var closeReason sql.NullString
		if err := rows.Scan(&rec.PositionID, &rec.Strategy, &rec.Symbol, &rec.Side, &rec.EntryPrice, &rec.Qty,
			&rec.StopPrice, &rec.TP1Price, &rec.TP2Price, &tp1Hit, &rec.EntryTime, &rec.Leverage, &rec.Margin,
			&rec.Status, &rec.RealizedPnL, &rec.FeesTotal, &rec.LiqPrice, &closeTime, &closeReason,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("persistence.ListPositions: scan: %w", err)
		}
		rec.TP1Hit = tp1Hit != 0
		if closeTime.Valid {
			rec.CloseTime = &closeTime.Int64
		}
		if closeReason.Valid {
			reason := domain.CloseReason(closeReason.String)
			rec.CloseReason = &reason
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
