// Package governor provides per-VA rate and damage control: the
// consecutive-loss cooldown state machine, trade accounting, the
// open-position throttle, and the kill switch.
package governor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/admission"
	"execution-core/pkg/db"
)

// Config carries the governor thresholds.
type Config struct {
	MaxLossCooldown       int
	CooldownDuration      time.Duration
	MaxOpenPositionsPerVA int
}

type vaState struct {
	va            db.VirtualAccount
	openPositions int
}

// Governor guards every entry signal. The persistence store is the
// serialization point; the in-memory cache is write-through (updated
// only after a successful commit).
type Governor struct {
	database   *db.Database
	cfg        Config
	globalKill atomic.Bool

	mu       sync.Mutex
	accounts map[string]*vaState
}

func New(database *db.Database, cfg Config) *Governor {
	return &Governor{
		database: database,
		cfg:      cfg,
		accounts: make(map[string]*vaState),
	}
}

// SetGlobalKill flips the operator-level admission block.
func (g *Governor) SetGlobalKill(engaged bool) {
	prev := g.globalKill.Swap(engaged)
	if prev != engaged {
		log.Printf("governor: global kill switch %v", engaged)
	}
}

// GlobalKill reports the operator-level admission block.
func (g *Governor) GlobalKill() bool {
	return g.globalKill.Load()
}

// Load seeds the cache from the store on startup.
func (g *Governor) Load(ctx context.Context) error {
	vas, err := g.database.ListVirtualAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, va := range vas {
		n, err := g.database.CountPositions(ctx, va.VAID)
		if err != nil {
			return fmt.Errorf("count positions for %s: %w", va.VAID, err)
		}
		g.accounts[va.VAID] = &vaState{va: va, openPositions: n}
	}
	log.Printf("governor: loaded %d virtual accounts", len(vas))
	return nil
}

// Admit decides whether a VA may open a new entry right now. Check
// order: kill switch, cooldown, throttle. An expired cooldown is cleared
// here (store first, then cache) and consecutive losses reset.
func (g *Governor) Admit(ctx context.Context, vaID string, now time.Time) admission.Outcome {
	if g.globalKill.Load() {
		return admission.Reject(admission.ReasonKillSwitchEngaged, "global kill switch engaged")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.accounts[vaID]
	if !ok {
		return admission.Reject(admission.ReasonUnknownAccount, "virtual account %s not found", vaID)
	}

	if st.va.KillSwitch {
		return admission.Reject(admission.ReasonKillSwitchEngaged, "%s kill switch engaged", vaID)
	}

	if !st.va.CooldownUntil.IsZero() {
		if now.Before(st.va.CooldownUntil) {
			remaining := st.va.CooldownUntil.Sub(now).Round(time.Second)
			return admission.Reject(admission.ReasonInCooldown,
				"%s in cooldown for %s after %d consecutive losses",
				vaID, remaining, st.va.ConsecutiveLosses)
		}

		// Cooldown expired: back to ACTIVE, losses reset. Fail closed if
		// the store write does not land.
		updated := st.va
		updated.CooldownUntil = time.Time{}
		updated.ConsecutiveLosses = 0
		if err := g.database.UpdateVirtualAccount(ctx, updated); err != nil {
			log.Printf("governor: clear cooldown for %s: %v", vaID, err)
			return admission.Reject(admission.ReasonInCooldown, "cooldown clear not persisted")
		}
		st.va = updated
	}

	if st.openPositions >= g.cfg.MaxOpenPositionsPerVA {
		return admission.Reject(admission.ReasonThrottled,
			"%s at max open positions (%d)", vaID, g.cfg.MaxOpenPositionsPerVA)
	}

	return admission.Accept()
}

// RecordTradeTx applies trade accounting for a realized PnL inside the
// caller's transaction and returns the updated account. The cache is NOT
// touched here; call CommitAccount once the transaction commits so a
// failed commit leaves the cache consistent with the store.
func (g *Governor) RecordTradeTx(ctx context.Context, q db.Execer, vaID string, pnl float64, now time.Time) (db.VirtualAccount, error) {
	va, err := db.GetVirtualAccount(ctx, q, vaID)
	if err != nil {
		return va, fmt.Errorf("record trade: %w", err)
	}

	// An expired cooldown counts as ACTIVE: it is cleared before the
	// trade is applied so a late-closing trade never extends it.
	if !va.CooldownUntil.IsZero() && !now.Before(va.CooldownUntil) {
		va.CooldownUntil = time.Time{}
		va.ConsecutiveLosses = 0
	}

	va.Balance += pnl
	va.RealizedPnL += pnl

	if pnl < 0 {
		va.Losses++
		va.ConsecutiveLosses++
	} else {
		va.Wins++
		va.ConsecutiveLosses = 0
	}

	equity := va.Equity()
	if equity > va.PeakEquity {
		va.PeakEquity = equity
	}
	if dd := va.PeakEquity - equity; dd > va.MaxDrawdown {
		va.MaxDrawdown = dd
	}

	if va.ConsecutiveLosses >= g.cfg.MaxLossCooldown && va.CooldownUntil.IsZero() {
		va.CooldownUntil = now.Add(g.cfg.CooldownDuration)
		log.Printf("governor: %s entering cooldown until %s after %d consecutive losses",
			vaID, va.CooldownUntil.Format(time.RFC3339), va.ConsecutiveLosses)
	}

	if err := db.UpdateVirtualAccount(ctx, q, va); err != nil {
		return va, err
	}
	return va, nil
}

// CommitAccount publishes a committed account state to the cache.
func (g *Governor) CommitAccount(va db.VirtualAccount) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.accounts[va.VAID]
	if !ok {
		g.accounts[va.VAID] = &vaState{va: va}
		return
	}
	st.va = va
}

// OnPositionOpened bumps the throttle counter for a VA.
func (g *Governor) OnPositionOpened(vaID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.accounts[vaID]; ok {
		st.openPositions++
	}
}

// OnPositionClosed releases one throttle slot for a VA.
func (g *Governor) OnPositionClosed(vaID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.accounts[vaID]; ok && st.openPositions > 0 {
		st.openPositions--
	}
}

// SetAccountKill flips a single VA's kill switch (store first, then cache).
func (g *Governor) SetAccountKill(ctx context.Context, vaID string, engaged bool) error {
	if err := g.database.SetKillSwitch(ctx, vaID, engaged); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.accounts[vaID]; ok {
		st.va.KillSwitch = engaged
	}
	log.Printf("governor: %s kill switch %v", vaID, engaged)
	return nil
}

// Account returns the cached view of one VA.
func (g *Governor) Account(vaID string) (db.VirtualAccount, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.accounts[vaID]
	if !ok {
		return db.VirtualAccount{}, false
	}
	return st.va, true
}

// OpenPositions returns the cached open-position count for one VA.
func (g *Governor) OpenPositions(vaID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.accounts[vaID]; ok {
		return st.openPositions
	}
	return 0
}
