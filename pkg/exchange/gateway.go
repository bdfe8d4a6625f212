package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Sentinel faults the engine distinguishes. Timeouts and unavailability
// are transient and resolved by reconciliation; rejections are terminal.
var (
	ErrTimeout     = errors.New("exchange call timed out")
	ErrUnavailable = errors.New("exchange unavailable")
)

// RejectedError carries the venue's rejection reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected order: %s", e.Reason)
}

// Gateway abstracts a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	QueryOrder(ctx context.Context, exchangeOrderID string) (OrderState, error)
	Snapshot(ctx context.Context, symbol string) (MarketSnapshot, error)

	// Push streams. Both channels close when the gateway shuts down.
	Fills() <-chan FillEvent
	Snapshots() <-chan MarketSnapshot
}

// QueryOrderWithRetry wraps QueryOrder in an exponential backoff so a
// single flaky response does not fail a reconciliation pass. Rejections
// and context cancellation are not retried.
func QueryOrderWithRetry(ctx context.Context, gw Gateway, exchangeOrderID string, maxTries int) (OrderState, error) {
	if maxTries <= 0 {
		maxTries = 3
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = time.Second

	var lastErr error
	for i := 0; i < maxTries; i++ {
		state, err := gw.QueryOrder(ctx, exchangeOrderID)
		if err == nil {
			return state, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrUnavailable) {
			return OrderState{}, err
		}
		select {
		case <-ctx.Done():
			return OrderState{}, ctx.Err()
		case <-time.After(backoffCfg.NextBackOff()):
		}
	}
	return OrderState{}, lastErr
}
