package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

// Reconcile brings local order and position state in line with the
// venue. The exchange is authoritative on disagreement. Runs serialize
// against fill application through the manager mutex.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	if err := m.reconcileOrders(ctx, now); err != nil {
		return err
	}
	return m.enforceStopCoverage(ctx)
}

func (m *Manager) reconcileOrders(ctx context.Context, now time.Time) error {
	open, err := m.database.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	anyQueryFailed := false
	for _, o := range open {
		// Resting stop orders are meant to stay open; only probe them
		// once they are stale, same as everything else.
		age := now.Sub(o.LastUpdateAt)
		if age < m.cfg.StaleOrderThreshold {
			continue
		}

		if o.ExchangeOrderID == "" {
			// Never acked by the venue and stale: it cannot fill. Expire
			// it locally so the slot frees up.
			o.Status = db.StatusExpired
			if err := m.database.UpdateOrder(ctx, o); err != nil {
				return err
			}
			m.publishOrder(o)
			log.Printf("order: expired unacked order %s after %s", o.OrderID, age.Round(time.Second))
			continue
		}

		state, err := exchange.QueryOrderWithRetry(ctx, m.gateway, o.ExchangeOrderID, 3)
		if err != nil {
			anyQueryFailed = true
			log.Printf("order: reconcile query %s: %v", o.OrderID, err)
			continue
		}

		if err := m.adoptVenueState(ctx, o, state); err != nil {
			return err
		}
	}

	if anyQueryFailed {
		m.queryFailures++
		if m.queryFailures >= 2 {
			m.incident(ctx, IncidentReconciliationTimeout, "", "",
				fmt.Sprintf("exchange unreachable across %d reconciliation passes", m.queryFailures))
		}
	} else {
		m.queryFailures = 0
	}

	return nil
}

// adoptVenueState reconciles one stale order against the venue's view.
func (m *Manager) adoptVenueState(ctx context.Context, o db.Order, state exchange.OrderState) error {
	// Missed fills: replay the delta through the normal fill path so
	// position and trade accounting stay in one place.
	if delta := state.QtyFilled - o.QtyFilled; delta > qtyEps {
		price := state.AvgFillPrice
		if price <= 0 {
			price = o.AvgFillPrice
		}
		if err := m.applyFill(ctx, exchange.FillEvent{
			OrderID:         o.OrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Symbol:          o.Symbol,
			QtyIncrement:    delta,
			Price:           price,
			TS:              time.Now().UTC(),
		}); err != nil {
			return err
		}
		var err error
		if o, err = m.database.GetOrder(ctx, o.OrderID); err != nil {
			return err
		}
	}

	switch state.Status {
	case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired:
		o.Status = db.OrderStatus(state.Status)
		if err := m.database.UpdateOrder(ctx, o); err != nil {
			return err
		}
		m.publishOrder(o)
		log.Printf("order: adopted venue status %s for %s", state.Status, o.OrderID)

	case exchange.StatusFilled:
		if o.Status != db.StatusFilled {
			// Quantities already replayed above; trust the venue flag.
			o.Status = db.StatusFilled
			if err := m.database.UpdateOrder(ctx, o); err != nil {
				return err
			}
			m.publishOrder(o)
		}

	case exchange.StatusNew, exchange.StatusPartial:
		// Entry and exit markets should not linger; resting stops may.
		if o.Intent == db.IntentStopLoss {
			return m.touchOrder(ctx, o)
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		err := m.gateway.CancelOrder(cctx, o.ExchangeOrderID)
		cancel()
		if err != nil {
			log.Printf("order: cancel stale %s: %v", o.OrderID, err)
			return m.touchOrder(ctx, o)
		}
		o.Status = db.StatusCanceled
		if err := m.database.UpdateOrder(ctx, o); err != nil {
			return err
		}
		m.publishOrder(o)
		log.Printf("order: canceled stale order %s", o.OrderID)

	case exchange.StatusUnknown:
		// Venue lost it: expire locally, never resubmit blindly.
		o.Status = db.StatusExpired
		if err := m.database.UpdateOrder(ctx, o); err != nil {
			return err
		}
		m.publishOrder(o)
	}

	return nil
}

// touchOrder refreshes last_update_at so a healthy resting order is not
// re-probed every tick.
func (m *Manager) touchOrder(ctx context.Context, o db.Order) error {
	return m.database.UpdateOrder(ctx, o)
}

// enforceStopCoverage re-checks I2: every open position must be covered
// by a live stop order. An uncovered position is re-protected, or
// panic-closed when that fails — it must not stay naked past one tick.
func (m *Manager) enforceStopCoverage(ctx context.Context) error {
	positions, err := m.database.ListPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("stop coverage: %w", err)
	}

	for _, pos := range positions {
		n, err := m.database.CountLiveStopOrders(ctx, pos.VAID, pos.Symbol)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if m.pendingExits[exitKey(pos.VAID, pos.Symbol)] {
			continue // already being flattened
		}

		log.Printf("order: position %s %s has no live stop, re-protecting", pos.VAID, pos.Symbol)
		entry, err := m.entryForPosition(ctx, pos)
		if err != nil {
			m.incident(ctx, IncidentStopLossAttachFailed, pos.VAID, pos.Symbol,
				fmt.Sprintf("no entry order found to re-protect: %v", err))
			if err := m.PanicClose(ctx, pos); err != nil {
				log.Printf("order: panic-close %s %s: %v", pos.VAID, pos.Symbol, err)
			}
			continue
		}
		m.ensureStop(ctx, entry)
	}
	return nil
}

// entryForPosition finds the most recent entry order that built the
// position, for stop re-attachment.
func (m *Manager) entryForPosition(ctx context.Context, pos db.Position) (db.Order, error) {
	row := m.database.DB.QueryRowContext(ctx, `
		SELECT order_id FROM orders
		WHERE va_id = ? AND symbol = ? AND intent = ? AND qty_filled > 0
		ORDER BY created_at DESC LIMIT 1
	`, pos.VAID, pos.Symbol, db.IntentEntry)

	var id string
	if err := row.Scan(&id); err != nil {
		return db.Order{}, fmt.Errorf("entry lookup: %w", err)
	}

	entry, err := m.database.GetOrder(ctx, id)
	if err != nil {
		return db.Order{}, err
	}
	// Cover the whole open position even if it was built by several
	// entries.
	entry.QtyFilled = pos.Qty
	if pos.StopLossPrice > 0 {
		entry.StopLossPrice = pos.StopLossPrice
	}
	return entry, nil
}

// CancelAllOpen cancels every non-terminal order. Called on fatal
// shutdown so nothing keeps working an order book nobody is watching.
func (m *Manager) CancelAllOpen(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open, err := m.database.ListOpenOrders(ctx)
	if err != nil {
		log.Printf("order: cancel-all list: %v", err)
		return
	}
	for _, o := range open {
		if o.ExchangeOrderID != "" {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			if err := m.gateway.CancelOrder(cctx, o.ExchangeOrderID); err != nil {
				log.Printf("order: cancel-all %s: %v", o.OrderID, err)
			}
			cancel()
		}
		o.Status = db.StatusCanceled
		if err := m.database.UpdateOrder(ctx, o); err != nil {
			log.Printf("order: cancel-all mark %s: %v", o.OrderID, err)
		}
	}
	if len(open) > 0 {
		log.Printf("order: canceled %d open orders on shutdown", len(open))
	}
}
