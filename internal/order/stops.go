package order

import (
	"context"
	"log"

	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

// OnSnapshot refreshes mark price and unrealized PnL for the position on
// the snapshot's symbol, then evaluates the stop-loss trigger. A
// triggered position is flattened with a market reduce-only exit when no
// venue-side stop is resting.
func (m *Manager) OnSnapshot(ctx context.Context, snap exchange.MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, err := m.database.GetPositionBySymbol(ctx, snap.Symbol)
	if err != nil {
		if err == db.ErrNotFound {
			return nil
		}
		return err
	}

	price := snap.Last
	if price <= 0 {
		return nil
	}

	pos.CurrentPrice = price
	if pos.Side == db.SideBuy {
		pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Qty
	} else {
		pos.UnrealizedPnL = (pos.AvgEntryPrice - price) * pos.Qty
	}
	if err := db.UpdatePosition(ctx, m.database.DB, pos); err != nil {
		return err
	}

	if !stopTriggered(pos, price) {
		return nil
	}
	return m.fireStop(ctx, pos, price)
}

// stopTriggered applies the trigger predicate: a BUY position stops out
// when price falls to or below the stop, a SELL position when price
// rises to or above it.
func stopTriggered(pos db.Position, price float64) bool {
	if pos.StopLossPrice <= 0 {
		return false
	}
	if pos.Side == db.SideBuy {
		return price <= pos.StopLossPrice
	}
	return price >= pos.StopLossPrice
}

// fireStop flattens a triggered position. When a venue-side stop is
// resting the venue fires it and the fill arrives on the stream; a
// synthesized reduce-only market exit covers the gap otherwise.
func (m *Manager) fireStop(ctx context.Context, pos db.Position, price float64) error {
	if m.pendingExits[exitKey(pos.VAID, pos.Symbol)] {
		return nil
	}

	n, err := m.database.CountLiveStopOrders(ctx, pos.VAID, pos.Symbol)
	if err != nil {
		return err
	}
	if n > 0 {
		// The resting stop order is the venue's job now; nothing to
		// synthesize unless reconciliation finds it gone.
		log.Printf("order: stop triggered for %s %s at %.4f (venue stop resting)",
			pos.VAID, pos.Symbol, price)
		return nil
	}

	log.Printf("order: stop triggered for %s %s at %.4f, synthesizing exit",
		pos.VAID, pos.Symbol, price)
	return m.PanicClose(ctx, pos)
}
