// Package dashboard exposes a read-only projection of engine state over
// HTTP and websocket. It never mutates trading state; the only mutating
// endpoints are the operator kill switches (global and per VA), which go
// through the governor.
package dashboard

import (
	"context"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/governor"
	"execution-core/internal/monitor"
	"execution-core/pkg/db"
)

// Thresholds echoes the active filter configuration to the operator.
type Thresholds struct {
	MaxSpreadBps       float64 `json:"max_spread_bps"`
	MaxSlippageBps     float64 `json:"max_slippage_bps"`
	MaxLatencyMs       float64 `json:"max_latency_ms"`
	TradingWindowStart string  `json:"trading_window_start"`
	TradingWindowEnd   string  `json:"trading_window_end"`
}

// AccountView is one VA row on the dashboard.
type AccountView struct {
	VAID              string  `json:"va_id"`
	Balance           float64 `json:"balance"`
	RealizedPnL       float64 `json:"realized_pnl"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	InCooldown        bool    `json:"in_cooldown"`
	CooldownRemaining float64 `json:"cooldown_remaining_seconds"`
	PeakEquity        float64 `json:"peak_equity"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	KillSwitch        bool    `json:"kill_switch"`
	OpenPositions     int     `json:"open_positions"`
}

// PositionView is one open position row.
type PositionView struct {
	VAID          string    `json:"va_id"`
	Symbol        string    `json:"symbol"`
	Side          db.Side   `json:"side"`
	Qty           float64   `json:"qty"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLossPrice float64   `json:"stop_loss_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// SystemStatus summarizes engine health for the footer.
type SystemStatus struct {
	KillSwitch          bool             `json:"kill_switch"`
	Thresholds          Thresholds       `json:"thresholds"`
	ReconcileIntervalMs int64            `json:"reconcile_interval_ms"`
	DroppedSignals      uint64           `json:"dropped_signals"`
	DroppedEvents       uint64           `json:"dropped_events"`
	Metrics             monitor.Snapshot `json:"metrics"`
}

// Snapshot is a consistent dashboard view.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Accounts    []AccountView  `json:"accounts"`
	Positions   []PositionView `json:"positions"`
	System      SystemStatus   `json:"system"`
}

// View assembles dashboard snapshots from the store and caches.
type View struct {
	database          *db.Database
	gov               *governor.Governor
	metrics           *monitor.Metrics
	bus               *events.Bus
	thresholds        Thresholds
	reconcileInterval time.Duration
	droppedSignals    func() uint64
}

func NewView(database *db.Database, gov *governor.Governor, metrics *monitor.Metrics, bus *events.Bus, thresholds Thresholds, reconcileInterval time.Duration, droppedSignals func() uint64) *View {
	if droppedSignals == nil {
		droppedSignals = func() uint64 { return 0 }
	}
	return &View{
		database:          database,
		gov:               gov,
		metrics:           metrics,
		bus:               bus,
		thresholds:        thresholds,
		reconcileInterval: reconcileInterval,
		droppedSignals:    droppedSignals,
	}
}

func (v *View) busDropped() uint64 {
	if v.bus == nil {
		return 0
	}
	return v.bus.Dropped()
}

// Build projects the current state into a snapshot.
func (v *View) Build(ctx context.Context) (Snapshot, error) {
	now := time.Now().UTC()

	vas, err := v.database.ListVirtualAccounts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	positions, err := v.database.ListPositions(ctx, "")
	if err != nil {
		return Snapshot{}, err
	}

	upnlByVA := make(map[string]float64, len(vas))
	posViews := make([]PositionView, 0, len(positions))
	posCount := make(map[string]int, len(vas))
	for _, p := range positions {
		upnlByVA[p.VAID] += p.UnrealizedPnL
		posCount[p.VAID]++
		posViews = append(posViews, PositionView{
			VAID:          p.VAID,
			Symbol:        p.Symbol,
			Side:          p.Side,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			CurrentPrice:  p.CurrentPrice,
			StopLossPrice: p.StopLossPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			OpenedAt:      p.OpenedAt,
		})
	}

	accounts := make([]AccountView, 0, len(vas))
	for _, va := range vas {
		view := AccountView{
			VAID:              va.VAID,
			Balance:           va.Balance,
			RealizedPnL:       va.RealizedPnL,
			UnrealizedPnL:     upnlByVA[va.VAID],
			Wins:              va.Wins,
			Losses:            va.Losses,
			ConsecutiveLosses: va.ConsecutiveLosses,
			InCooldown:        va.InCooldown(now),
			PeakEquity:        va.PeakEquity,
			MaxDrawdown:       va.MaxDrawdown,
			KillSwitch:        va.KillSwitch,
			OpenPositions:     posCount[va.VAID],
		}
		if view.InCooldown {
			view.CooldownRemaining = va.CooldownUntil.Sub(now).Seconds()
		}
		accounts = append(accounts, view)
	}

	return Snapshot{
		GeneratedAt: now,
		Accounts:    accounts,
		Positions:   posViews,
		System: SystemStatus{
			KillSwitch:          v.gov.GlobalKill(),
			Thresholds:          v.thresholds,
			ReconcileIntervalMs: v.reconcileInterval.Milliseconds(),
			DroppedSignals:      v.droppedSignals(),
			DroppedEvents:       v.busDropped(),
			Metrics:             v.metrics.GetSnapshot(),
		},
	}, nil
}
