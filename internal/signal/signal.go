package signal

import (
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

// Signal is an in-flight trading intent from the strategy layer. It is
// never persisted; it either becomes an order or is dropped with a reason.
type Signal struct {
	VAID       string
	Symbol     string
	Side       db.Side
	DesiredQty float64

	// ExpectedPrice is the strategy's reference price; 0 when the
	// producer did not populate it (the slippage gate then skips).
	ExpectedPrice float64

	Snapshot   exchange.MarketSnapshot
	ReceivedAt time.Time
}
