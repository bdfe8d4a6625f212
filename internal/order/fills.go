package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

// fillEffects captures the post-commit work decided inside the fill
// transaction. The caches and streams are only touched once the commit
// has landed.
type fillEffects struct {
	order          db.Order
	positionOpened bool
	positionClosed bool
	closedVA       db.VirtualAccount
	trade          db.Trade
	syncStop       bool
}

// OnFill applies one execution increment atomically: order progress,
// position book, and (on close) trade and governor accounting all move
// in a single store transaction. The symbol release and other cache
// updates follow once it commits.
func (m *Manager) OnFill(ctx context.Context, f exchange.FillEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyFill(ctx, f)
}

func (m *Manager) applyFill(ctx context.Context, f exchange.FillEvent) error {
	o, err := m.database.GetOrder(ctx, f.OrderID)
	if errors.Is(err, db.ErrNotFound) {
		log.Printf("order: fill for unknown order %s dropped", f.OrderID)
		return nil
	}
	if err != nil {
		return err
	}

	if o.Status.Terminal() {
		log.Printf("order: fill for terminal order %s (%s) dropped", o.OrderID, o.Status)
		return nil
	}

	// Fills for one order apply in arrival order; a fill stamped before
	// the last applied one is stale.
	if !o.LastFillTS.IsZero() && f.TS.Before(o.LastFillTS) {
		log.Printf("order: out-of-order fill for %s dropped (ts %s < %s)",
			o.OrderID, f.TS.Format(time.RFC3339Nano), o.LastFillTS.Format(time.RFC3339Nano))
		return nil
	}

	if f.QtyIncrement <= 0 {
		log.Printf("order: non-positive fill increment for %s dropped", o.OrderID)
		return nil
	}

	// I5: a fill may never take an order past its requested quantity.
	// Reject the fill, alert, never auto-correct.
	if o.QtyFilled+f.QtyIncrement > o.QtyRequested+qtyEps {
		m.incident(ctx, IncidentInconsistentFill, o.VAID, o.Symbol,
			fmt.Sprintf("order %s: fill %.6f would exceed requested %.6f (filled %.6f)",
				o.OrderID, f.QtyIncrement, o.QtyRequested, o.QtyFilled))
		return nil
	}

	var eff fillEffects
	err = m.database.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		eff, txErr = m.applyFillTx(ctx, tx, o, f)
		return txErr
	})
	if err != nil {
		var conflict *ownershipConflictError
		if errors.As(err, &conflict) {
			m.incident(ctx, IncidentSymbolOwnership, o.VAID, o.Symbol, conflict.Error())
			m.flattenOrphanedFill(ctx, o, f)
			return nil
		}
		return err
	}

	m.afterFill(ctx, eff, f)
	return nil
}

type ownershipConflictError struct {
	symbol string
	vaID   string
}

func (e *ownershipConflictError) Error() string {
	return fmt.Sprintf("symbol %s already owned elsewhere, fill for %s rolled back", e.symbol, e.vaID)
}

func (m *Manager) applyFillTx(ctx context.Context, tx *sql.Tx, o db.Order, f exchange.FillEvent) (fillEffects, error) {
	eff := fillEffects{}

	newFilled := o.QtyFilled + f.QtyIncrement
	o.AvgFillPrice = (o.AvgFillPrice*o.QtyFilled + f.Price*f.QtyIncrement) / newFilled
	o.QtyFilled = newFilled
	o.LastFillTS = f.TS
	if o.QtyFilled >= o.QtyRequested-qtyEps {
		o.Status = db.StatusFilled
	} else {
		o.Status = db.StatusPartial
	}
	if err := db.UpdateOrder(ctx, tx, o); err != nil {
		return eff, err
	}
	eff.order = o

	switch o.Intent {
	case db.IntentEntry:
		opened, err := m.applyEntryFillTx(ctx, tx, o, f)
		if err != nil {
			return eff, err
		}
		eff.positionOpened = opened
		eff.syncStop = true

	case db.IntentReduceOnly, db.IntentStopLoss:
		closed, va, trade, err := m.applyCloseFillTx(ctx, tx, o, f)
		if err != nil {
			return eff, err
		}
		eff.positionClosed = closed
		eff.closedVA = va
		eff.trade = trade

	default:
		return eff, fmt.Errorf("order %s has unknown intent %q", o.OrderID, o.Intent)
	}

	return eff, nil
}

// applyEntryFillTx creates or grows the position. Returns true when a
// new position row was created.
func (m *Manager) applyEntryFillTx(ctx context.Context, tx *sql.Tx, o db.Order, f exchange.FillEvent) (bool, error) {
	pos, err := db.GetPosition(ctx, tx, o.VAID, o.Symbol)
	if errors.Is(err, db.ErrNotFound) {
		now := time.Now().UTC()
		pos = db.Position{
			VAID:          o.VAID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Qty:           f.QtyIncrement,
			AvgEntryPrice: f.Price,
			CurrentPrice:  f.Price,
			StopLossPrice: o.StopLossPrice,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		if cerr := db.CreatePosition(ctx, tx, pos); cerr != nil {
			if db.IsUniqueViolation(cerr) {
				return false, &ownershipConflictError{symbol: o.Symbol, vaID: o.VAID}
			}
			return false, cerr
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	newQty := pos.Qty + f.QtyIncrement
	pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + f.Price*f.QtyIncrement) / newQty
	pos.Qty = newQty
	pos.CurrentPrice = f.Price
	if o.StopLossPrice > 0 {
		pos.StopLossPrice = o.StopLossPrice
	}
	return false, db.UpdatePosition(ctx, tx, pos)
}

// applyCloseFillTx shrinks the position, realizing PnL on the closed
// portion. At zero quantity it deletes the position, appends the trade,
// and runs governor accounting — all inside the same transaction.
func (m *Manager) applyCloseFillTx(ctx context.Context, tx *sql.Tx, o db.Order, f exchange.FillEvent) (bool, db.VirtualAccount, db.Trade, error) {
	var (
		va    db.VirtualAccount
		trade db.Trade
	)

	pos, err := db.GetPosition(ctx, tx, o.VAID, o.Symbol)
	if errors.Is(err, db.ErrNotFound) {
		// Exit fill with no local position: the venue view won; nothing
		// to shrink. Reconciliation reports such drift.
		log.Printf("order: close fill for %s with no local position on %s", o.VAID, o.Symbol)
		return false, va, trade, nil
	}
	if err != nil {
		return false, va, trade, err
	}

	closeQty := f.QtyIncrement
	if closeQty > pos.Qty {
		closeQty = pos.Qty
	}

	var pnl float64
	if pos.Side == db.SideBuy {
		pnl = (f.Price - pos.AvgEntryPrice) * closeQty
	} else {
		pnl = (pos.AvgEntryPrice - f.Price) * closeQty
	}

	pos.Qty -= closeQty
	pos.RealizedPnL += pnl
	pos.ClosedQty += closeQty
	pos.CurrentPrice = f.Price

	if pos.Qty > qtyEps {
		return false, va, trade, db.UpdatePosition(ctx, tx, pos)
	}

	if err := db.DeletePosition(ctx, tx, pos.VAID, pos.Symbol); err != nil {
		return false, va, trade, err
	}

	exitPrice := pos.AvgEntryPrice
	if pos.ClosedQty > 0 {
		if pos.Side == db.SideBuy {
			exitPrice = pos.AvgEntryPrice + pos.RealizedPnL/pos.ClosedQty
		} else {
			exitPrice = pos.AvgEntryPrice - pos.RealizedPnL/pos.ClosedQty
		}
	}

	trade = db.Trade{
		TradeID:     uuid.NewString(),
		VAID:        pos.VAID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Qty:         pos.ClosedQty,
		EntryPrice:  pos.AvgEntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: pos.RealizedPnL,
		ClosedAt:    f.TS,
		Reason:      m.tradeReason(o),
	}
	if err := db.CreateTrade(ctx, tx, trade); err != nil {
		return false, va, trade, err
	}

	va, err = m.gov.RecordTradeTx(ctx, tx, pos.VAID, pos.RealizedPnL, f.TS)
	if err != nil {
		return false, va, trade, err
	}

	return true, va, trade, nil
}

// tradeReason resolves why the closing order was placed: a remembered
// synthesized-exit reason first, then the order's intent.
func (m *Manager) tradeReason(o db.Order) db.TradeReason {
	if reason, ok := m.exitReasons[o.OrderID]; ok {
		return reason
	}
	if o.Intent == db.IntentStopLoss {
		return db.ReasonStopLoss
	}
	return db.ReasonManualExit
}

// afterFill runs the write-through cache updates and stream publishes
// once the transaction has committed.
func (m *Manager) afterFill(ctx context.Context, eff fillEffects, f exchange.FillEvent) {
	if m.bus != nil {
		m.bus.Publish(events.EventOrderFill, f)
	}
	m.publishOrder(eff.order)

	if eff.positionOpened {
		m.gov.OnPositionOpened(eff.order.VAID)
	}

	if eff.syncStop && eff.order.Intent == db.IntentEntry {
		m.ensureStop(ctx, eff.order)
	}

	if eff.positionClosed {
		m.gov.CommitAccount(eff.closedVA)
		m.gov.OnPositionClosed(eff.order.VAID)
		m.rtr.Release(eff.order.VAID, eff.order.Symbol)
		delete(m.pendingExits, exitKey(eff.order.VAID, eff.order.Symbol))
		delete(m.exitReasons, eff.order.OrderID)
		m.cancelSiblingStop(ctx, eff.order)
		if m.bus != nil {
			m.bus.Publish(events.EventTradeClosed, eff.trade)
		}
		log.Printf("order: position %s %s closed, pnl %.4f (%s)",
			eff.order.VAID, eff.order.Symbol, eff.trade.RealizedPnL, eff.trade.Reason)
	}
}

// cancelSiblingStop cancels any still-live stop order protecting a
// position that just closed through another exit path.
func (m *Manager) cancelSiblingStop(ctx context.Context, closer db.Order) {
	open, err := m.database.ListOpenOrders(ctx)
	if err != nil {
		log.Printf("order: list open for sibling stop cleanup: %v", err)
		return
	}
	for _, o := range open {
		if o.OrderID == closer.OrderID || o.VAID != closer.VAID || o.Symbol != closer.Symbol {
			continue
		}
		if o.Intent != db.IntentStopLoss {
			continue
		}
		if o.ExchangeOrderID != "" {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			if err := m.gateway.CancelOrder(cctx, o.ExchangeOrderID); err != nil {
				log.Printf("order: cancel orphaned stop %s: %v", o.OrderID, err)
			}
			cancel()
		}
		o.Status = db.StatusCanceled
		if err := m.database.UpdateOrder(ctx, o); err != nil {
			log.Printf("order: mark stop %s canceled: %v", o.OrderID, err)
		}
		m.publishOrder(o)
	}
}

// flattenOrphanedFill exits quantity acquired on the venue for a fill
// whose position row could not be created locally.
func (m *Manager) flattenOrphanedFill(ctx context.Context, o db.Order, f exchange.FillEvent) {
	pos := db.Position{
		VAID:   o.VAID,
		Symbol: o.Symbol,
		Side:   o.Side,
		Qty:    f.QtyIncrement,
	}
	if err := m.PanicClose(ctx, pos); err != nil {
		log.Printf("order: flatten orphaned fill for %s %s: %v", o.VAID, o.Symbol, err)
	}
}
