package filter

import (
	"testing"
	"time"

	"execution-core/internal/admission"
	"execution-core/pkg/exchange"
)

func testChain(t *testing.T) *Chain {
	t.Helper()
	c, err := NewChain(Config{
		MaxSpreadBps:   10,
		MaxSlippageBps: 5,
		MaxLatencyMs:   500,
		WindowStart:    "09:30",
		WindowEnd:      "16:00",
		Location:       time.UTC,
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return c
}

func freshSnap(now time.Time) exchange.MarketSnapshot {
	return exchange.MarketSnapshot{
		Symbol: "AAPL", Bid: 100.00, Ask: 100.05, Last: 100.02,
		AsOf: now, SourceLatencyMs: 10,
	}
}

func TestSpreadRejection(t *testing.T) {
	c := testChain(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	// Scenario: bid=100.00 ask=100.20, mid=100.10 -> 20bps > 10bps max.
	snap := exchange.MarketSnapshot{
		Symbol: "AAPL", Bid: 100.00, Ask: 100.20, Last: 100.10,
		AsOf: now, SourceLatencyMs: 0,
	}
	out := c.Check(snap, 0, now)
	if out.Accepted || out.Reason != admission.ReasonSpreadTooWide {
		t.Fatalf("outcome = %v, want SpreadTooWide", out)
	}
}

func TestInvalidMarketRejection(t *testing.T) {
	c := testChain(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		bid, ask float64
	}{
		{"zero bid", 0, 100},
		{"crossed book", 100.10, 100.00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := exchange.MarketSnapshot{Bid: tt.bid, Ask: tt.ask, Last: 100, AsOf: now}
			out := c.Check(snap, 0, now)
			if out.Accepted || out.Reason != admission.ReasonInvalidMarket {
				t.Fatalf("outcome = %v, want InvalidMarket", out)
			}
		})
	}
}

func TestSlippageGate(t *testing.T) {
	c := testChain(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	snap := freshSnap(now)

	// last=100.02; expected 100.08 is ~6bps away -> rejected at 5bps.
	out := c.Check(snap, 100.08, now)
	if out.Accepted || out.Reason != admission.ReasonSlippageTooHigh {
		t.Fatalf("outcome = %v, want SlippageTooHigh", out)
	}

	// Close to reference passes.
	if out := c.Check(snap, 100.03, now); !out.Accepted {
		t.Fatalf("tight slippage rejected: %v", out)
	}

	// No expected price: the gate is skipped entirely.
	if out := c.Check(snap, 0, now); !out.Accepted {
		t.Fatalf("missing expected price should skip slippage: %v", out)
	}
}

func TestLatencyGate(t *testing.T) {
	c := testChain(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	stale := freshSnap(now.Add(-600 * time.Millisecond))
	out := c.Check(stale, 0, now)
	if out.Accepted || out.Reason != admission.ReasonLatencyTooHigh {
		t.Fatalf("outcome = %v, want LatencyTooHigh", out)
	}

	// Source latency counts toward the budget.
	snap := freshSnap(now.Add(-400 * time.Millisecond))
	snap.SourceLatencyMs = 200
	out = c.Check(snap, 0, now)
	if out.Accepted || out.Reason != admission.ReasonLatencyTooHigh {
		t.Fatalf("outcome = %v, want LatencyTooHigh with source latency", out)
	}
}

func TestTradingWindow(t *testing.T) {
	c := testChain(t)

	early := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	out := c.Check(freshSnap(early), 0, early)
	if out.Accepted || out.Reason != admission.ReasonOutsideTradingWindow {
		t.Fatalf("outcome = %v, want OutsideTradingWindow", out)
	}

	open := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	if out := c.Check(freshSnap(open), 0, open); !out.Accepted {
		t.Fatalf("window start boundary rejected: %v", out)
	}

	late := time.Date(2025, 6, 2, 16, 1, 0, 0, time.UTC)
	out = c.Check(freshSnap(late), 0, late)
	if out.Accepted {
		t.Fatalf("after-close signal accepted")
	}
}

func TestEmptyWindowAlwaysOpen(t *testing.T) {
	c, err := NewChain(Config{
		MaxSpreadBps: 10, MaxSlippageBps: 5, MaxLatencyMs: 500,
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	midnight := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if out := c.Check(freshSnap(midnight), 0, midnight); !out.Accepted {
		t.Fatalf("empty window should always be open: %v", out)
	}
}

func TestWindowInConfiguredTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	c, err := NewChain(Config{
		MaxSpreadBps: 10, MaxSlippageBps: 5, MaxLatencyMs: 500,
		WindowStart: "09:30", WindowEnd: "16:00", Location: loc,
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	// 18:00 UTC in June is 14:00 in New York: inside the window.
	now := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	if out := c.Check(freshSnap(now), 0, now); !out.Accepted {
		t.Fatalf("in-window NY time rejected: %v", out)
	}

	// 02:00 UTC is 22:00 previous day in New York: outside.
	now = time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)
	out := c.Check(freshSnap(now), 0, now)
	if out.Accepted || out.Reason != admission.ReasonOutsideTradingWindow {
		t.Fatalf("outcome = %v, want OutsideTradingWindow", out)
	}
}

// Two independent signals failing the same gate reject identically
// regardless of evaluation order.
func TestRejectionDeterministic(t *testing.T) {
	c := testChain(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	wide := exchange.MarketSnapshot{Bid: 100.00, Ask: 100.20, Last: 100.10, AsOf: now}
	first := c.Check(wide, 0, now)
	second := c.Check(wide, 0, now)
	if first != second {
		t.Fatalf("same input, different outcomes: %v vs %v", first, second)
	}
}
