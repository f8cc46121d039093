package db

import (
	"context"
	"database/sql"
	"time"
)

// Leg is the persisted snapshot of one leg record.
type Leg struct {
	Symbol        string
	OptionType    string
	Exchange      string
	Side          string
	EntryPrice    float64
	RequestedQty  int
	FilledQty     int
	EntryOrderID  string
	TPOrderID     string
	TPLevel       float64
	TPFilledQty   int
	SLOrderID     string
	SLLevel       float64
	SLFilledQty   int
	HighWaterMark float64
	TrailActive   bool
	OriginalSL    float64
	ExitsArmed    bool
	EnteredAt     time.Time
	UpdatedAt     time.Time
}

// RealizedTrade is one row of the realization journal.
type RealizedTrade struct {
	ID         string
	Symbol     string
	OptionType string
	Qty        int
	EntryPrice float64
	ExitPrice  float64
	Gross      float64
	Costs      float64
	PnL        float64
	Reason     string
	EnteredAt  time.Time
	ExitedAt   time.Time
}

// SaveLeg upserts the snapshot row for a leg.
func (d *Database) SaveLeg(ctx context.Context, l Leg) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO legs (
			symbol, option_type, exchange, side, entry_price, requested_qty, filled_qty,
			entry_order_id, tp_order_id, tp_level, tp_filled_qty,
			sl_order_id, sl_level, sl_filled_qty,
			high_water_mark, trail_active, original_sl, exits_armed,
			entered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, option_type) DO UPDATE SET
			exchange = excluded.exchange,
			side = excluded.side,
			entry_price = excluded.entry_price,
			requested_qty = excluded.requested_qty,
			filled_qty = excluded.filled_qty,
			entry_order_id = excluded.entry_order_id,
			tp_order_id = excluded.tp_order_id,
			tp_level = excluded.tp_level,
			tp_filled_qty = excluded.tp_filled_qty,
			sl_order_id = excluded.sl_order_id,
			sl_level = excluded.sl_level,
			sl_filled_qty = excluded.sl_filled_qty,
			high_water_mark = excluded.high_water_mark,
			trail_active = excluded.trail_active,
			original_sl = excluded.original_sl,
			exits_armed = excluded.exits_armed,
			entered_at = excluded.entered_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		l.Symbol, l.OptionType, l.Exchange, l.Side, l.EntryPrice, l.RequestedQty, l.FilledQty,
		l.EntryOrderID, l.TPOrderID, l.TPLevel, l.TPFilledQty,
		l.SLOrderID, l.SLLevel, l.SLFilledQty,
		l.HighWaterMark, l.TrailActive, l.OriginalSL, l.ExitsArmed,
		l.EnteredAt,
	)
	return err
}

// DeleteLeg removes the snapshot row for a leg.
func (d *Database) DeleteLeg(ctx context.Context, symbol, optionType string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM legs WHERE symbol = ? AND option_type = ?`, symbol, optionType)
	return err
}

// ListLegs returns all persisted leg snapshots.
func (d *Database) ListLegs(ctx context.Context) ([]Leg, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, option_type, exchange, side, entry_price, requested_qty, filled_qty,
		       entry_order_id, tp_order_id, tp_level, tp_filled_qty,
		       sl_order_id, sl_level, sl_filled_qty,
		       high_water_mark, trail_active, original_sl, exits_armed,
		       entered_at, updated_at
		FROM legs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Leg
	for rows.Next() {
		var l Leg
		var enteredAt, updatedAt sql.NullTime
		if err := rows.Scan(
			&l.Symbol, &l.OptionType, &l.Exchange, &l.Side, &l.EntryPrice, &l.RequestedQty, &l.FilledQty,
			&l.EntryOrderID, &l.TPOrderID, &l.TPLevel, &l.TPFilledQty,
			&l.SLOrderID, &l.SLLevel, &l.SLFilledQty,
			&l.HighWaterMark, &l.TrailActive, &l.OriginalSL, &l.ExitsArmed,
			&enteredAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		l.EnteredAt = enteredAt.Time
		l.UpdatedAt = updatedAt.Time
		res = append(res, l)
	}
	return res, rows.Err()
}

// InsertRealized journals a realization. The journal is append-only.
func (d *Database) InsertRealized(ctx context.Context, t RealizedTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO realized_trades (
			id, symbol, option_type, qty, entry_price, exit_price,
			gross, costs, pnl, reason, entered_at, exited_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		t.ID, t.Symbol, t.OptionType, t.Qty, t.EntryPrice, t.ExitPrice,
		t.Gross, t.Costs, t.PnL, t.Reason, t.EnteredAt, t.ExitedAt,
	)
	return err
}

// ListRealized returns the most recent realizations, newest first.
func (d *Database) ListRealized(ctx context.Context, limit int) ([]RealizedTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, option_type, qty, entry_price, exit_price,
		       gross, costs, pnl, reason, entered_at, exited_at
		FROM realized_trades
		ORDER BY exited_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RealizedTrade
	for rows.Next() {
		var t RealizedTrade
		var enteredAt, exitedAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.Symbol, &t.OptionType, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&t.Gross, &t.Costs, &t.PnL, &t.Reason, &enteredAt, &exitedAt,
		); err != nil {
			return nil, err
		}
		t.EnteredAt = enteredAt.Time
		t.ExitedAt = exitedAt.Time
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetMeta stores a key/value pair in the meta table.
func (d *Database) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMeta reads a value from the meta table, empty when absent.
func (d *Database) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := d.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
