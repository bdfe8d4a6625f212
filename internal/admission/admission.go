// Package admission defines the typed outcomes of the signal governance
// pipeline. Rejections are observable results, not errors: every gate
// reports its own reason so counters and logs stay attributable.
package admission

import "fmt"

// Reason enumerates every way a signal can be turned away.
type Reason string

const (
	ReasonNone Reason = ""

	// Router
	ReasonSymbolConflict Reason = "SymbolConflict"

	// Governor
	ReasonInCooldown        Reason = "InCooldown"
	ReasonKillSwitchEngaged Reason = "KillSwitchEngaged"
	ReasonThrottled         Reason = "Throttled"
	ReasonUnknownAccount    Reason = "UnknownAccount"

	// Filter chain
	ReasonOutsideTradingWindow Reason = "OutsideTradingWindow"
	ReasonSpreadTooWide        Reason = "SpreadTooWide"
	ReasonSlippageTooHigh      Reason = "SlippageTooHigh"
	ReasonLatencyTooHigh       Reason = "LatencyTooHigh"
	ReasonInvalidMarket        Reason = "InvalidMarket"

	// Order manager
	ReasonExchangeRejected Reason = "ExchangeRejected"
)

// Outcome is the result of one admission stage.
type Outcome struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

// Accept returns the accepting outcome.
func Accept() Outcome {
	return Outcome{Accepted: true}
}

// Reject returns a rejection with its reason and a formatted detail.
func Reject(reason Reason, format string, args ...any) Outcome {
	return Outcome{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (o Outcome) String() string {
	if o.Accepted {
		return "accepted"
	}
	if o.Detail == "" {
		return string(o.Reason)
	}
	return fmt.Sprintf("%s: %s", o.Reason, o.Detail)
}
