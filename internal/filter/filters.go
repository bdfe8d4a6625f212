// Package filter implements the pre-trade admission gates. Gates are
// stateless and evaluated in a fixed order; the first rejection
// short-circuits and is reported with its own reason.
package filter

import (
	"fmt"
	"time"

	"execution-core/internal/admission"
	"execution-core/pkg/exchange"
)

// Config carries the gate thresholds.
type Config struct {
	MaxSpreadBps   float64
	MaxSlippageBps float64
	MaxLatencyMs   float64

	// "HH:MM" bounds compared in Location. Both empty = always open.
	WindowStart string
	WindowEnd   string
	Location    *time.Location
}

// Chain evaluates the four admission gates in order: trading window,
// spread, slippage, latency.
type Chain struct {
	cfg Config
}

func NewChain(cfg Config) (*Chain, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.WindowStart != "" {
		if _, err := time.Parse("15:04", cfg.WindowStart); err != nil {
			return nil, fmt.Errorf("invalid trading window start %q: %w", cfg.WindowStart, err)
		}
	}
	if cfg.WindowEnd != "" {
		if _, err := time.Parse("15:04", cfg.WindowEnd); err != nil {
			return nil, fmt.Errorf("invalid trading window end %q: %w", cfg.WindowEnd, err)
		}
	}
	return &Chain{cfg: cfg}, nil
}

// Check runs every gate against the snapshot. expectedPrice is the
// strategy's reference price; when it is zero the slippage gate is
// skipped (the producer did not populate one).
func (c *Chain) Check(snap exchange.MarketSnapshot, expectedPrice float64, now time.Time) admission.Outcome {
	if out := c.checkWindow(now); !out.Accepted {
		return out
	}
	if out := c.checkSpread(snap); !out.Accepted {
		return out
	}
	if expectedPrice > 0 {
		if out := c.checkSlippage(snap, expectedPrice); !out.Accepted {
			return out
		}
	}
	return c.checkLatency(snap, now)
}

func (c *Chain) checkWindow(now time.Time) admission.Outcome {
	if c.cfg.WindowStart == "" && c.cfg.WindowEnd == "" {
		return admission.Accept()
	}

	local := now.In(c.cfg.Location)
	cur := local.Hour()*60 + local.Minute()
	start := parseMinutes(c.cfg.WindowStart, 0)
	end := parseMinutes(c.cfg.WindowEnd, 24*60-1)

	if cur < start || cur > end {
		return admission.Reject(admission.ReasonOutsideTradingWindow,
			"%02d:%02d outside window %s-%s", local.Hour(), local.Minute(),
			c.cfg.WindowStart, c.cfg.WindowEnd)
	}
	return admission.Accept()
}

func parseMinutes(hhmm string, def int) int {
	if hhmm == "" {
		return def
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return def
	}
	return t.Hour()*60 + t.Minute()
}

func (c *Chain) checkSpread(snap exchange.MarketSnapshot) admission.Outcome {
	if snap.Bid <= 0 || snap.Ask < snap.Bid {
		return admission.Reject(admission.ReasonInvalidMarket,
			"bad book bid=%.4f ask=%.4f", snap.Bid, snap.Ask)
	}

	mid := snap.Mid()
	spreadBps := 10_000 * (snap.Ask - snap.Bid) / mid
	if spreadBps > c.cfg.MaxSpreadBps {
		return admission.Reject(admission.ReasonSpreadTooWide,
			"spread %.2fbps exceeds max %.2fbps", spreadBps, c.cfg.MaxSpreadBps)
	}
	return admission.Accept()
}

func (c *Chain) checkSlippage(snap exchange.MarketSnapshot, expected float64) admission.Outcome {
	reference := snap.Last
	if reference <= 0 {
		return admission.Reject(admission.ReasonInvalidMarket, "no reference price")
	}

	slippageBps := 10_000 * abs(expected-reference) / reference
	if slippageBps > c.cfg.MaxSlippageBps {
		return admission.Reject(admission.ReasonSlippageTooHigh,
			"slippage %.2fbps exceeds max %.2fbps", slippageBps, c.cfg.MaxSlippageBps)
	}
	return admission.Accept()
}

func (c *Chain) checkLatency(snap exchange.MarketSnapshot, now time.Time) admission.Outcome {
	latencyMs := float64(now.Sub(snap.AsOf).Milliseconds()) + snap.SourceLatencyMs
	if latencyMs > c.cfg.MaxLatencyMs {
		return admission.Reject(admission.ReasonLatencyTooHigh,
			"latency %.1fms exceeds max %.1fms", latencyMs, c.cfg.MaxLatencyMs)
	}
	return admission.Accept()
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
