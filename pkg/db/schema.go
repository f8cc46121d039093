package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS legs (
    symbol TEXT NOT NULL,
    option_type TEXT NOT NULL,
    exchange TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    requested_qty INTEGER NOT NULL,
    filled_qty INTEGER NOT NULL,
    entry_order_id TEXT,
    tp_order_id TEXT,
    tp_level REAL,
    tp_filled_qty INTEGER DEFAULT 0,
    sl_order_id TEXT,
    sl_level REAL,
    sl_filled_qty INTEGER DEFAULT 0,
    high_water_mark REAL,
    trail_active INTEGER DEFAULT 0,
    original_sl REAL,
    exits_armed INTEGER DEFAULT 0,
    entered_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, option_type)
);

CREATE TABLE IF NOT EXISTS realized_trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    option_type TEXT NOT NULL,
    qty INTEGER NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    gross REAL NOT NULL,
    costs REAL NOT NULL,
    pnl REAL NOT NULL,
    reason TEXT NOT NULL,
    entered_at DATETIME,
    exited_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_realized_exited_at ON realized_trades(exited_at);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// ApplyMigrations creates the schema when missing.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
