package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
// The positions(symbol) uniqueness check leans on this.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ----------------------------------------
// Virtual accounts
// ----------------------------------------

const vaColumns = `va_id, balance, realized_pnl, unrealized_pnl, wins, losses,
       consecutive_losses, cooldown_until, peak_equity, max_drawdown, kill_switch,
       created_at, updated_at`

func scanVA(row interface{ Scan(...any) error }) (VirtualAccount, error) {
	var (
		va       VirtualAccount
		cooldown sql.NullTime
		kill     int
	)
	err := row.Scan(&va.VAID, &va.Balance, &va.RealizedPnL, &va.UnrealizedPnL,
		&va.Wins, &va.Losses, &va.ConsecutiveLosses, &cooldown,
		&va.PeakEquity, &va.MaxDrawdown, &kill, &va.CreatedAt, &va.UpdatedAt)
	if err != nil {
		return va, err
	}
	if cooldown.Valid {
		va.CooldownUntil = cooldown.Time
	}
	va.KillSwitch = kill == 1
	return va, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateVirtualAccount inserts a new VA row.
func (d *Database) CreateVirtualAccount(ctx context.Context, va VirtualAccount) error {
	now := time.Now().UTC()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO virtual_accounts (
			va_id, balance, realized_pnl, unrealized_pnl, wins, losses,
			consecutive_losses, cooldown_until, peak_equity, max_drawdown,
			kill_switch, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, va.VAID, va.Balance, va.RealizedPnL, va.UnrealizedPnL, va.Wins, va.Losses,
		va.ConsecutiveLosses, nullTime(va.CooldownUntil), va.PeakEquity,
		va.MaxDrawdown, boolToInt(va.KillSwitch), now, now)
	if err != nil {
		return fmt.Errorf("insert virtual account: %w", err)
	}
	return nil
}

// GetVirtualAccount fetches one VA, optionally inside a transaction.
func GetVirtualAccount(ctx context.Context, q Execer, vaID string) (VirtualAccount, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+vaColumns+` FROM virtual_accounts WHERE va_id = ?`, vaID)
	va, err := scanVA(row)
	if err == sql.ErrNoRows {
		return va, ErrNotFound
	}
	if err != nil {
		return va, fmt.Errorf("query virtual account: %w", err)
	}
	return va, nil
}

// GetVirtualAccount fetches one VA on the main handle.
func (d *Database) GetVirtualAccount(ctx context.Context, vaID string) (VirtualAccount, error) {
	return GetVirtualAccount(ctx, d.DB, vaID)
}

// ListVirtualAccounts returns all VAs ordered by id.
func (d *Database) ListVirtualAccounts(ctx context.Context) ([]VirtualAccount, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+vaColumns+` FROM virtual_accounts ORDER BY va_id`)
	if err != nil {
		return nil, fmt.Errorf("query virtual accounts: %w", err)
	}
	defer rows.Close()

	var out []VirtualAccount
	for rows.Next() {
		va, err := scanVA(rows)
		if err != nil {
			return nil, fmt.Errorf("scan virtual account: %w", err)
		}
		out = append(out, va)
	}
	return out, rows.Err()
}

// UpdateVirtualAccount writes back all mutable VA fields.
func UpdateVirtualAccount(ctx context.Context, q Execer, va VirtualAccount) error {
	_, err := q.ExecContext(ctx, `
		UPDATE virtual_accounts SET
			balance = ?, realized_pnl = ?, unrealized_pnl = ?, wins = ?, losses = ?,
			consecutive_losses = ?, cooldown_until = ?, peak_equity = ?,
			max_drawdown = ?, kill_switch = ?, updated_at = ?
		WHERE va_id = ?
	`, va.Balance, va.RealizedPnL, va.UnrealizedPnL, va.Wins, va.Losses,
		va.ConsecutiveLosses, nullTime(va.CooldownUntil), va.PeakEquity,
		va.MaxDrawdown, boolToInt(va.KillSwitch), time.Now().UTC(), va.VAID)
	if err != nil {
		return fmt.Errorf("update virtual account: %w", err)
	}
	return nil
}

// UpdateVirtualAccount writes back all mutable VA fields on the main handle.
func (d *Database) UpdateVirtualAccount(ctx context.Context, va VirtualAccount) error {
	return UpdateVirtualAccount(ctx, d.DB, va)
}

// SetKillSwitch flips the admission block flag for one VA.
func (d *Database) SetKillSwitch(ctx context.Context, vaID string, engaged bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE virtual_accounts SET kill_switch = ?, updated_at = ? WHERE va_id = ?
	`, boolToInt(engaged), time.Now().UTC(), vaID)
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

// ----------------------------------------
// Orders
// ----------------------------------------

const orderColumns = `order_id, va_id, symbol, side, intent, qty_requested,
       qty_filled, avg_fill_price, status, COALESCE(stop_loss_price, 0),
       COALESCE(linked_entry_id, ''), COALESCE(exchange_order_id, ''),
       last_fill_ts, created_at, last_update_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var (
		o        Order
		lastFill sql.NullTime
	)
	err := row.Scan(&o.OrderID, &o.VAID, &o.Symbol, &o.Side, &o.Intent,
		&o.QtyRequested, &o.QtyFilled, &o.AvgFillPrice, &o.Status,
		&o.StopLossPrice, &o.LinkedEntryID, &o.ExchangeOrderID,
		&lastFill, &o.CreatedAt, &o.LastUpdateAt)
	if err != nil {
		return o, err
	}
	if lastFill.Valid {
		o.LastFillTS = lastFill.Time
	}
	return o, nil
}

// CreateOrder inserts a new order row.
func CreateOrder(ctx context.Context, q Execer, o Order) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, va_id, symbol, side, intent, qty_requested, qty_filled,
			avg_fill_price, status, stop_loss_price, linked_entry_id,
			exchange_order_id, last_fill_ts, created_at, last_update_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.OrderID, o.VAID, o.Symbol, o.Side, o.Intent, o.QtyRequested, o.QtyFilled,
		o.AvgFillPrice, o.Status, nullFloat(o.StopLossPrice),
		nullString(o.LinkedEntryID), nullString(o.ExchangeOrderID),
		nullTime(o.LastFillTS), o.CreatedAt, o.LastUpdateAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// CreateOrder inserts a new order row on the main handle.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	return CreateOrder(ctx, d.DB, o)
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetOrder fetches one order.
func GetOrder(ctx context.Context, q Execer, orderID string) (Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// GetOrder fetches one order on the main handle.
func (d *Database) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return GetOrder(ctx, d.DB, orderID)
}

// UpdateOrder writes back fill progress, status, and venue linkage.
func UpdateOrder(ctx context.Context, q Execer, o Order) error {
	_, err := q.ExecContext(ctx, `
		UPDATE orders SET
			qty_filled = ?, avg_fill_price = ?, status = ?, stop_loss_price = ?,
			exchange_order_id = ?, last_fill_ts = ?, last_update_at = ?
		WHERE order_id = ?
	`, o.QtyFilled, o.AvgFillPrice, o.Status, nullFloat(o.StopLossPrice),
		nullString(o.ExchangeOrderID), nullTime(o.LastFillTS),
		time.Now().UTC(), o.OrderID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// UpdateOrder writes back fill progress on the main handle.
func (d *Database) UpdateOrder(ctx context.Context, o Order) error {
	return UpdateOrder(ctx, d.DB, o)
}

// ListOpenOrders returns orders in a non-terminal status, oldest first.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN (?, ?, ?)
		ORDER BY created_at
	`, StatusPending, StatusPartial, StatusUnknown)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetLiveStopOrder returns the non-terminal STOP_LOSS order linked to an
// entry, or ErrNotFound.
func GetLiveStopOrder(ctx context.Context, q Execer, entryID string) (Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE linked_entry_id = ? AND intent = ? AND status NOT IN (?, ?, ?, ?)
		LIMIT 1
	`, entryID, IntentStopLoss, StatusFilled, StatusCanceled, StatusRejected, StatusExpired)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("query stop order: %w", err)
	}
	return o, nil
}

// CountLiveStopOrders counts non-terminal STOP_LOSS orders for a (va, symbol).
func (d *Database) CountLiveStopOrders(ctx context.Context, vaID, symbol string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM orders
		WHERE va_id = ? AND symbol = ? AND intent = ?
		  AND status NOT IN (?, ?, ?, ?)
	`, vaID, symbol, IntentStopLoss,
		StatusFilled, StatusCanceled, StatusRejected, StatusExpired).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stop orders: %w", err)
	}
	return n, nil
}

// ----------------------------------------
// Positions
// ----------------------------------------

const positionColumns = `va_id, symbol, side, qty, avg_entry_price, current_price,
       stop_loss_price, unrealized_pnl, realized_pnl, closed_qty, opened_at, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (Position, error) {
	var p Position
	err := row.Scan(&p.VAID, &p.Symbol, &p.Side, &p.Qty, &p.AvgEntryPrice,
		&p.CurrentPrice, &p.StopLossPrice, &p.UnrealizedPnL, &p.RealizedPnL,
		&p.ClosedQty, &p.OpenedAt, &p.UpdatedAt)
	return p, err
}

// CreatePosition inserts a position; the UNIQUE(symbol) constraint rejects a
// second owner for the same symbol.
func CreatePosition(ctx context.Context, q Execer, p Position) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO positions (
			va_id, symbol, side, qty, avg_entry_price, current_price,
			stop_loss_price, unrealized_pnl, realized_pnl, closed_qty,
			opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.VAID, p.Symbol, p.Side, p.Qty, p.AvgEntryPrice, p.CurrentPrice,
		p.StopLossPrice, p.UnrealizedPnL, p.RealizedPnL, p.ClosedQty,
		p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// UpdatePosition writes back quantity, prices, and stop level.
func UpdatePosition(ctx context.Context, q Execer, p Position) error {
	_, err := q.ExecContext(ctx, `
		UPDATE positions SET
			side = ?, qty = ?, avg_entry_price = ?, current_price = ?,
			stop_loss_price = ?, unrealized_pnl = ?, realized_pnl = ?,
			closed_qty = ?, updated_at = ?
		WHERE va_id = ? AND symbol = ?
	`, p.Side, p.Qty, p.AvgEntryPrice, p.CurrentPrice, p.StopLossPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.ClosedQty, time.Now().UTC(),
		p.VAID, p.Symbol)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position; idempotent.
func DeletePosition(ctx context.Context, q Execer, vaID, symbol string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM positions WHERE va_id = ? AND symbol = ?`, vaID, symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// GetPosition fetches one position, optionally inside a transaction.
func GetPosition(ctx context.Context, q Execer, vaID, symbol string) (Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE va_id = ? AND symbol = ?`,
		vaID, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// GetPosition fetches one position on the main handle.
func (d *Database) GetPosition(ctx context.Context, vaID, symbol string) (Position, error) {
	return GetPosition(ctx, d.DB, vaID, symbol)
}

// GetPositionBySymbol returns the single position open on a symbol, if
// any. UNIQUE(symbol) guarantees at most one row.
func GetPositionBySymbol(ctx context.Context, q Execer, symbol string) (Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("query position by symbol: %w", err)
	}
	return p, nil
}

// GetPositionBySymbol returns the symbol's owner on the main handle.
func (d *Database) GetPositionBySymbol(ctx context.Context, symbol string) (Position, error) {
	return GetPositionBySymbol(ctx, d.DB, symbol)
}

// ListPositions returns positions for one VA, or all when vaID is empty.
func (d *Database) ListPositions(ctx context.Context, vaID string) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions`
	var args []any
	if vaID != "" {
		query += ` WHERE va_id = ?`
		args = append(args, vaID)
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPositions returns the open-position count for a VA.
func (d *Database) CountPositions(ctx context.Context, vaID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM positions WHERE va_id = ?`, vaID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

// ----------------------------------------
// Trades
// ----------------------------------------

// CreateTrade appends an immutable trade record.
func CreateTrade(ctx context.Context, q Execer, t Trade) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trades (
			trade_id, va_id, symbol, side, qty, entry_price, exit_price,
			realized_pnl, closed_at, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TradeID, t.VAID, t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, t.ClosedAt, t.Reason)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first.
func (d *Database) ListTrades(ctx context.Context, vaID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT trade_id, va_id, symbol, side, qty, entry_price, exit_price,
	                 realized_pnl, closed_at, reason
	          FROM trades`
	var args []any
	if vaID != "" {
		query += ` WHERE va_id = ?`
		args = append(args, vaID)
	}
	query += ` ORDER BY closed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.TradeID, &t.VAID, &t.Symbol, &t.Side, &t.Qty,
			&t.EntryPrice, &t.ExitPrice, &t.RealizedPnL, &t.ClosedAt, &t.Reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumRealizedPnL totals trade PnL for one VA.
func (d *Database) SumRealizedPnL(ctx context.Context, vaID string) (float64, error) {
	var sum float64
	err := d.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM trades WHERE va_id = ?`,
		vaID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return sum, nil
}

// ----------------------------------------
// Incidents
// ----------------------------------------

// CreateIncident persists an operator-visible fault row.
func (d *Database) CreateIncident(ctx context.Context, inc Incident) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, kind, va_id, symbol, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inc.IncidentID, inc.Kind, nullString(inc.VAID), nullString(inc.Symbol),
		inc.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// ListIncidents returns the most recent incidents, newest first.
func (d *Database) ListIncidents(ctx context.Context, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT incident_id, kind, COALESCE(va_id, ''), COALESCE(symbol, ''), detail, created_at
		FROM incidents ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.IncidentID, &inc.Kind, &inc.VAID, &inc.Symbol,
			&inc.Detail, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
