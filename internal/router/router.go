// Package router enforces the one-symbol-per-VA rule before any
// downstream work. It is the cheap first gate: an in-memory reservation
// map, no database roundtrip. The global one-owner-per-symbol invariant
// is backed by the UNIQUE(symbol) constraint in the store and re-checked
// at order placement.
package router

import (
	"context"
	"log"
	"sync"

	"execution-core/internal/admission"
	"execution-core/pkg/db"
)

// Router maps each VA to the single symbol it currently trades.
type Router struct {
	mu       sync.Mutex
	reserved map[string]string // va_id -> symbol
}

func New() *Router {
	return &Router{reserved: make(map[string]string)}
}

// Load rehydrates reservations from open positions on startup.
func (r *Router) Load(ctx context.Context, database *db.Database) error {
	positions, err := database.ListPositions(ctx, "")
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range positions {
		r.reserved[p.VAID] = p.Symbol
	}
	if len(positions) > 0 {
		log.Printf("router: rehydrated %d symbol reservations", len(positions))
	}
	return nil
}

// Route reserves the symbol for the VA, or accepts a repeat of the
// existing reservation (adding to the position). Any other symbol is a
// conflict.
func (r *Router) Route(vaID, symbol string) admission.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.reserved[vaID]
	if !ok {
		r.reserved[vaID] = symbol
		return admission.Accept()
	}
	if current == symbol {
		return admission.Accept()
	}
	return admission.Reject(admission.ReasonSymbolConflict,
		"%s already trading %s, cannot trade %s", vaID, current, symbol)
}

// Release frees the VA's reservation when its position reaches zero.
// Idempotent; releasing a symbol the VA does not hold is a no-op.
func (r *Router) Release(vaID, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reserved[vaID] == symbol {
		delete(r.reserved, vaID)
	}
}

// ActiveSymbol returns the VA's current reservation, if any.
func (r *Router) ActiveSymbol(vaID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sym, ok := r.reserved[vaID]
	return sym, ok
}
