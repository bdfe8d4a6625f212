// Package order owns the order lifecycle: placement with mandatory
// stop-loss attachment, fill accounting, reconciliation against the
// venue, and stop-loss trigger detection.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/admission"
	"execution-core/internal/events"
	"execution-core/internal/governor"
	"execution-core/internal/router"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

const qtyEps = 1e-9

// Incident kinds persisted for the operator.
const (
	IncidentExchangeRejected      = "ExchangeRejected"
	IncidentStopLossAttachFailed  = "StopLossAttachFailed"
	IncidentInconsistentFill      = "InconsistentFill"
	IncidentReconciliationTimeout = "ReconciliationTimeout"
	IncidentSymbolOwnership       = "SymbolOwnershipViolation"
	IncidentKillSwitchEngaged     = "KillSwitchEngaged"
)

// Config carries the order manager knobs.
type Config struct {
	StopLossPct         float64 // percent distance from entry, e.g. 2.0
	StaleOrderThreshold time.Duration
	CallTimeout         time.Duration
	StopAttachFailLimit int
}

// Manager persists orders, talks to the exchange gateway, and applies
// fill events. A single mutex serializes fill application against
// reconciliation passes so they never interleave on the store.
type Manager struct {
	database *db.Database
	gateway  exchange.Gateway
	gov      *governor.Governor
	rtr      *router.Router
	bus      *events.Bus
	cfg      Config

	mu sync.Mutex

	// exitReasons remembers why a synthesized exit was placed so the
	// closing trade records it; entries die with the process and the
	// intent-based default takes over after a restart.
	exitReasons map[string]db.TradeReason

	// pendingExits guards against re-synthesizing a close for the same
	// position while one is already in flight. Keyed va_id|symbol.
	pendingExits map[string]bool

	slAttachFailures int
	queryFailures    int
}

func NewManager(database *db.Database, gw exchange.Gateway, gov *governor.Governor, rtr *router.Router, bus *events.Bus, cfg Config) *Manager {
	if cfg.StaleOrderThreshold == 0 {
		cfg.StaleOrderThreshold = 30 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.StopAttachFailLimit == 0 {
		cfg.StopAttachFailLimit = 3
	}
	return &Manager{
		database:     database,
		gateway:      gw,
		gov:          gov,
		rtr:          rtr,
		bus:          bus,
		cfg:          cfg,
		exitReasons:  make(map[string]db.TradeReason),
		pendingExits: make(map[string]bool),
	}
}

// StopPrice computes the mandatory stop level for an entry at reference
// price: below for BUY, above for SELL.
func (m *Manager) StopPrice(reference float64, side db.Side) float64 {
	if side == db.SideBuy {
		return reference * (1 - m.cfg.StopLossPct/100)
	}
	return reference * (1 + m.cfg.StopLossPct/100)
}

// PlaceEntry creates and submits an ENTRY order for an admitted signal.
// The returned outcome reports exchange-level rejections; the error is
// reserved for store faults.
func (m *Manager) PlaceEntry(ctx context.Context, sig signal.Signal) (db.Order, admission.Outcome, error) {
	reference := sig.ExpectedPrice
	if reference <= 0 {
		reference = sig.Snapshot.Last
	}
	if reference <= 0 {
		return db.Order{}, admission.Reject(admission.ReasonInvalidMarket, "no reference price for %s", sig.Symbol), nil
	}

	// Global I1 re-check: the router's per-VA view cannot see another
	// VA's ownership of the symbol.
	owner, err := m.database.GetPositionBySymbol(ctx, sig.Symbol)
	if err == nil && owner.VAID != sig.VAID {
		return db.Order{}, admission.Reject(admission.ReasonSymbolConflict,
			"%s owned by %s", sig.Symbol, owner.VAID), nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return db.Order{}, admission.Outcome{}, err
	}

	now := time.Now().UTC()
	o := db.Order{
		OrderID:       uuid.NewString(),
		VAID:          sig.VAID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Intent:        db.IntentEntry,
		QtyRequested:  sig.DesiredQty,
		Status:        db.StatusPending,
		StopLossPrice: m.StopPrice(reference, sig.Side),
		CreatedAt:     now,
		LastUpdateAt:  now,
	}
	if err := m.database.CreateOrder(ctx, o); err != nil {
		return db.Order{}, admission.Outcome{}, err
	}

	res, err := m.submit(ctx, exchange.OrderRequest{
		ClientID: o.OrderID,
		Symbol:   o.Symbol,
		Side:     exchange.Side(o.Side),
		Type:     exchange.OrderTypeMarket,
		Qty:      o.QtyRequested,
	})
	switch {
	case err == nil:
		o.ExchangeOrderID = res.ExchangeOrderID
		if uerr := m.database.UpdateOrder(ctx, o); uerr != nil {
			return o, admission.Outcome{}, uerr
		}
		m.publishOrder(o)
		log.Printf("order: entry %s %s %.4f %s placed (stop %.4f)",
			o.VAID, o.Side, o.QtyRequested, o.Symbol, o.StopLossPrice)
		return o, admission.Accept(), nil

	case errors.Is(err, exchange.ErrTimeout):
		// Never double-submit; reconciliation resolves the unknown state.
		o.Status = db.StatusUnknown
		if uerr := m.database.UpdateOrder(ctx, o); uerr != nil {
			return o, admission.Outcome{}, uerr
		}
		log.Printf("order: entry %s timed out at venue, marked UNKNOWN", o.OrderID)
		m.publishOrder(o)
		return o, admission.Accept(), nil

	default:
		o.Status = db.StatusRejected
		if uerr := m.database.UpdateOrder(ctx, o); uerr != nil {
			return o, admission.Outcome{}, uerr
		}
		m.incident(ctx, IncidentExchangeRejected, o.VAID, o.Symbol, err.Error())
		m.publishOrder(o)
		return o, admission.Reject(admission.ReasonExchangeRejected, "%v", err), nil
	}
}

// submit wraps a gateway call in the configured per-call timeout.
func (m *Manager) submit(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	res, err := m.gateway.SubmitOrder(cctx, req)
	if errors.Is(err, context.DeadlineExceeded) {
		return res, exchange.ErrTimeout
	}
	return res, err
}

// ensureStop makes sure a live, correctly-sized stop order protects the
// entry's filled quantity. Called after every entry fill; replaces an
// undersized stop. On attach failure the position is panic-closed so it
// never stays naked across a reconciliation tick.
func (m *Manager) ensureStop(ctx context.Context, entry db.Order) {
	live, err := db.GetLiveStopOrder(ctx, m.database.DB, entry.OrderID)
	if err == nil {
		if abs(live.QtyRequested-entry.QtyFilled) <= qtyEps {
			return
		}
		// Quantity drifted (partial fills since attach): replace.
		if live.ExchangeOrderID != "" {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			if cerr := m.gateway.CancelOrder(cctx, live.ExchangeOrderID); cerr != nil {
				log.Printf("order: cancel undersized stop %s: %v", live.OrderID, cerr)
			}
			cancel()
		}
		live.Status = db.StatusCanceled
		if uerr := m.database.UpdateOrder(ctx, live); uerr != nil {
			log.Printf("order: mark stop %s canceled: %v", live.OrderID, uerr)
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Printf("order: lookup stop for %s: %v", entry.OrderID, err)
		return
	}

	if err := m.attachStop(ctx, entry); err != nil {
		m.onStopAttachFailure(ctx, entry, err)
	}
}

// attachStop persists and submits the linked STOP_LOSS order covering
// the entry's cumulative filled quantity.
func (m *Manager) attachStop(ctx context.Context, entry db.Order) error {
	now := time.Now().UTC()
	stop := db.Order{
		OrderID:       uuid.NewString(),
		VAID:          entry.VAID,
		Symbol:        entry.Symbol,
		Side:          entry.Side.Opposite(),
		Intent:        db.IntentStopLoss,
		QtyRequested:  entry.QtyFilled,
		Status:        db.StatusPending,
		StopLossPrice: entry.StopLossPrice,
		LinkedEntryID: entry.OrderID,
		CreatedAt:     now,
		LastUpdateAt:  now,
	}
	if err := m.database.CreateOrder(ctx, stop); err != nil {
		return err
	}

	res, err := m.submit(ctx, exchange.OrderRequest{
		ClientID:   stop.OrderID,
		Symbol:     stop.Symbol,
		Side:       exchange.Side(stop.Side),
		Type:       exchange.OrderTypeStopMarket,
		Qty:        stop.QtyRequested,
		StopPrice:  stop.StopLossPrice,
		ReduceOnly: true,
	})
	if err != nil {
		stop.Status = db.StatusRejected
		if uerr := m.database.UpdateOrder(ctx, stop); uerr != nil {
			log.Printf("order: mark stop %s rejected: %v", stop.OrderID, uerr)
		}
		return err
	}

	stop.ExchangeOrderID = res.ExchangeOrderID
	if err := m.database.UpdateOrder(ctx, stop); err != nil {
		return err
	}
	m.publishOrder(stop)

	m.slAttachFailures = 0
	log.Printf("order: stop %.4f attached to %s (qty %.4f)",
		stop.StopLossPrice, entry.OrderID, stop.QtyRequested)
	return nil
}

// onStopAttachFailure panic-closes the unprotected quantity and, once
// consecutive failures reach the configured limit, engages the global
// kill switch.
func (m *Manager) onStopAttachFailure(ctx context.Context, entry db.Order, cause error) {
	m.incident(ctx, IncidentStopLossAttachFailed, entry.VAID, entry.Symbol,
		fmt.Sprintf("entry %s: %v", entry.OrderID, cause))

	m.slAttachFailures++
	if m.slAttachFailures >= m.cfg.StopAttachFailLimit {
		m.gov.SetGlobalKill(true)
		m.incident(ctx, IncidentKillSwitchEngaged, "", "",
			fmt.Sprintf("%d consecutive stop-loss attach failures", m.slAttachFailures))
	}

	pos, err := db.GetPositionBySymbol(ctx, m.database.DB, entry.Symbol)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("order: panic-close lookup %s: %v", entry.Symbol, err)
		}
		return
	}
	if err := m.PanicClose(ctx, pos); err != nil {
		log.Printf("order: panic-close %s %s: %v", pos.VAID, pos.Symbol, err)
	}
}

// PanicClose submits an emergency market reduce-only exit for the whole
// position.
func (m *Manager) PanicClose(ctx context.Context, pos db.Position) error {
	return m.placeExit(ctx, pos, db.ReasonStopLoss, "panic-close")
}

// PlaceManualExit closes a position at market on operator or strategy
// request.
func (m *Manager) PlaceManualExit(ctx context.Context, pos db.Position) error {
	return m.placeExit(ctx, pos, db.ReasonManualExit, "manual exit")
}

func (m *Manager) placeExit(ctx context.Context, pos db.Position, reason db.TradeReason, label string) error {
	key := exitKey(pos.VAID, pos.Symbol)
	if m.pendingExits[key] {
		return nil
	}

	now := time.Now().UTC()
	o := db.Order{
		OrderID:      uuid.NewString(),
		VAID:         pos.VAID,
		Symbol:       pos.Symbol,
		Side:         pos.Side.Opposite(),
		Intent:       db.IntentReduceOnly,
		QtyRequested: pos.Qty,
		Status:       db.StatusPending,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	if err := m.database.CreateOrder(ctx, o); err != nil {
		return err
	}

	res, err := m.submit(ctx, exchange.OrderRequest{
		ClientID:   o.OrderID,
		Symbol:     o.Symbol,
		Side:       exchange.Side(o.Side),
		Type:       exchange.OrderTypeMarket,
		Qty:        o.QtyRequested,
		ReduceOnly: true,
	})
	if err != nil {
		o.Status = db.StatusRejected
		if uerr := m.database.UpdateOrder(ctx, o); uerr != nil {
			log.Printf("order: mark exit %s rejected: %v", o.OrderID, uerr)
		}
		return fmt.Errorf("%s submit: %w", label, err)
	}

	o.ExchangeOrderID = res.ExchangeOrderID
	if err := m.database.UpdateOrder(ctx, o); err != nil {
		return err
	}

	m.exitReasons[o.OrderID] = reason
	m.pendingExits[key] = true
	m.publishOrder(o)
	log.Printf("order: %s %s %.4f %s submitted for %s", label, o.Side, o.QtyRequested, o.Symbol, o.VAID)
	return nil
}

func (m *Manager) incident(ctx context.Context, kind, vaID, symbol, detail string) {
	inc := db.Incident{
		IncidentID: uuid.NewString(),
		Kind:       kind,
		VAID:       vaID,
		Symbol:     symbol,
		Detail:     detail,
	}
	if err := m.database.CreateIncident(ctx, inc); err != nil {
		log.Printf("order: persist incident %s: %v", kind, err)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventIncident, inc)
	}
	log.Printf("incident[%s] %s %s: %s", kind, vaID, symbol, detail)
}

func (m *Manager) publishOrder(o db.Order) {
	if m.bus != nil {
		m.bus.Publish(events.EventOrderUpdate, o)
	}
}

func exitKey(vaID, symbol string) string {
	return vaID + "|" + symbol
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
