package db

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the exit side for a position held on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Intent classifies what an order is allowed to do to a position.
type Intent string

const (
	IntentEntry      Intent = "ENTRY"
	IntentReduceOnly Intent = "REDUCE_ONLY_EXIT"
	IntentStopLoss   Intent = "STOP_LOSS"
)

// OrderStatus normalizes order state into a small set.
type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN" // exchange call timed out; reconciliation resolves
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// TradeReason records why a position was closed.
type TradeReason string

const (
	ReasonManualExit      TradeReason = "MANUAL_EXIT"
	ReasonStopLoss        TradeReason = "STOP_LOSS"
	ReasonReconciledClose TradeReason = "RECONCILED_CLOSE"
)

// VirtualAccount is an isolated risk and accounting unit sharing the
// real exchange connection.
type VirtualAccount struct {
	VAID              string
	Balance           float64
	RealizedPnL       float64
	UnrealizedPnL     float64
	Wins              int
	Losses            int
	ConsecutiveLosses int
	CooldownUntil     time.Time // zero when not in cooldown
	PeakEquity        float64
	MaxDrawdown       float64
	KillSwitch        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InCooldown reports whether the account is blocked at the given instant.
func (va *VirtualAccount) InCooldown(now time.Time) bool {
	return !va.CooldownUntil.IsZero() && now.Before(va.CooldownUntil)
}

// Equity is the running cash balance; realized PnL is already folded in.
func (va *VirtualAccount) Equity() float64 {
	return va.Balance
}

// Order is a persisted order record.
type Order struct {
	OrderID         string
	VAID            string
	Symbol          string
	Side            Side
	Intent          Intent
	QtyRequested    float64
	QtyFilled       float64
	AvgFillPrice    float64
	Status          OrderStatus
	StopLossPrice   float64 // 0 when not set; required for ENTRY
	LinkedEntryID   string  // set for STOP_LOSS orders
	ExchangeOrderID string
	LastFillTS      time.Time // zero until the first fill
	CreatedAt       time.Time
	LastUpdateAt    time.Time
}

// RemainingQty returns unfilled quantity.
func (o *Order) RemainingQty() float64 {
	return o.QtyRequested - o.QtyFilled
}

// Position is the live exposure of one VA on one symbol. At most one VA
// may hold a position on any symbol globally.
type Position struct {
	VAID          string
	Symbol        string
	Side          Side
	Qty           float64
	AvgEntryPrice float64
	CurrentPrice  float64
	StopLossPrice float64
	UnrealizedPnL float64

	// Accumulated over partial closes; folded into the trade record
	// when qty reaches zero.
	RealizedPnL float64
	ClosedQty   float64

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// Trade is an immutable record appended when a position closes.
type Trade struct {
	TradeID     string
	VAID        string
	Symbol      string
	Side        Side
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	ClosedAt    time.Time
	Reason      TradeReason
}

// Incident is an operator-visible fault persisted for audit.
type Incident struct {
	IncidentID string
	Kind       string
	VAID       string
	Symbol     string
	Detail     string
	CreatedAt  time.Time
}
