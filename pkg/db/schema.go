package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS virtual_accounts (
    va_id TEXT PRIMARY KEY,
    balance REAL NOT NULL,
    realized_pnl REAL DEFAULT 0,
    unrealized_pnl REAL DEFAULT 0,
    wins INTEGER DEFAULT 0,
    losses INTEGER DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    cooldown_until DATETIME,
    peak_equity REAL DEFAULT 0,
    max_drawdown REAL DEFAULT 0,
    kill_switch INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    va_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    intent TEXT NOT NULL,
    qty_requested REAL NOT NULL,
    qty_filled REAL DEFAULT 0,
    avg_fill_price REAL DEFAULT 0,
    status TEXT NOT NULL,
    stop_loss_price REAL,
    linked_entry_id TEXT,
    exchange_order_id TEXT,
    last_fill_ts DATETIME,
    created_at DATETIME NOT NULL,
    last_update_at DATETIME NOT NULL,
    FOREIGN KEY (va_id) REFERENCES virtual_accounts(va_id)
);

CREATE TABLE IF NOT EXISTS positions (
    va_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    avg_entry_price REAL NOT NULL,
    current_price REAL DEFAULT 0,
    stop_loss_price REAL NOT NULL,
    unrealized_pnl REAL DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    closed_qty REAL DEFAULT 0,
    opened_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (va_id, symbol),
    UNIQUE (symbol),
    FOREIGN KEY (va_id) REFERENCES virtual_accounts(va_id)
);

CREATE TABLE IF NOT EXISTS trades (
    trade_id TEXT PRIMARY KEY,
    va_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    realized_pnl REAL NOT NULL,
    closed_at DATETIME NOT NULL,
    reason TEXT NOT NULL,
    FOREIGN KEY (va_id) REFERENCES virtual_accounts(va_id)
);

CREATE TABLE IF NOT EXISTS incidents (
    incident_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    va_id TEXT,
    symbol TEXT,
    detail TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_va ON orders(va_id);
CREATE INDEX IF NOT EXISTS idx_trades_va ON trades(va_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
// The UNIQUE(symbol) constraint on positions is the global backstop for
// one-owner-per-symbol.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
