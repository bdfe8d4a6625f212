package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"execution-core/internal/admission"
	"execution-core/internal/events"
	"execution-core/internal/filter"
	"execution-core/internal/governor"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/router"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

// scriptedGateway acks everything and lets the test emit fills and
// snapshots by hand.
type scriptedGateway struct {
	mu        sync.Mutex
	nextID    int
	submitted []exchange.OrderRequest
	fills     chan exchange.FillEvent
	snaps     chan exchange.MarketSnapshot
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		fills: make(chan exchange.FillEvent, 64),
		snaps: make(chan exchange.MarketSnapshot, 64),
	}
}

func (g *scriptedGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.submitted = append(g.submitted, req)
	return exchange.OrderResult{
		ExchangeOrderID: fmt.Sprintf("ex-%d", g.nextID),
		Status:          exchange.StatusNew,
	}, nil
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, id string) error { return nil }

func (g *scriptedGateway) QueryOrder(ctx context.Context, id string) (exchange.OrderState, error) {
	return exchange.OrderState{Status: exchange.StatusNew}, nil
}

func (g *scriptedGateway) Snapshot(ctx context.Context, symbol string) (exchange.MarketSnapshot, error) {
	return exchange.MarketSnapshot{}, nil
}

func (g *scriptedGateway) Fills() <-chan exchange.FillEvent          { return g.fills }
func (g *scriptedGateway) Snapshots() <-chan exchange.MarketSnapshot { return g.snaps }

func (g *scriptedGateway) requests() []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.OrderRequest, len(g.submitted))
	copy(out, g.submitted)
	return out
}

type env struct {
	db      *db.Database
	gw      *scriptedGateway
	loop    *Loop
	metrics *monitor.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	ctx := context.Background()
	for _, vaID := range []string{"VA001", "VA002"} {
		if err := d.CreateVirtualAccount(ctx, db.VirtualAccount{
			VAID: vaID, Balance: 100000, PeakEquity: 100000,
		}); err != nil {
			t.Fatalf("create va: %v", err)
		}
	}

	gov := governor.New(d, governor.Config{
		MaxLossCooldown: 3, CooldownDuration: 5 * time.Minute, MaxOpenPositionsPerVA: 5,
	})
	if err := gov.Load(ctx); err != nil {
		t.Fatalf("governor load: %v", err)
	}

	rtr := router.New()
	chain, err := filter.NewChain(filter.Config{
		MaxSpreadBps: 10, MaxSlippageBps: 5, MaxLatencyMs: 500,
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	gw := newScriptedGateway()
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	mgr := order.NewManager(d, gw, gov, rtr, bus, order.Config{
		StopLossPct: 2.0, StaleOrderThreshold: 30 * time.Second,
		CallTimeout: time.Second, StopAttachFailLimit: 3,
	})
	l := New(d, gw, rtr, gov, chain, mgr, metrics, bus, Config{
		ReconcileInterval: 50 * time.Millisecond,
		SignalQueueSize:   16,
	})

	return &env{db: d, gw: gw, loop: l, metrics: metrics}
}

func freshSignal(vaID, symbol string, qty float64) signal.Signal {
	now := time.Now().UTC()
	return signal.Signal{
		VAID: vaID, Symbol: symbol, Side: db.SideBuy, DesiredQty: qty,
		ExpectedPrice: 100,
		Snapshot: exchange.MarketSnapshot{
			Symbol: symbol, Bid: 99.99, Ask: 100.01, Last: 100,
			AsOf: now, SourceLatencyMs: 5,
		},
		ReceivedAt: now,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSignalToPositionFlow(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.loop.Run(ctx)
		close(done)
	}()

	e.loop.SubmitSignal(freshSignal("VA001", "AAPL", 10))

	// Entry order reaches the venue.
	waitFor(t, 2*time.Second, func() bool {
		return len(e.gw.requests()) >= 1
	})
	entryReq := e.gw.requests()[0]
	if entryReq.Type != exchange.OrderTypeMarket || entryReq.Qty != 10 {
		t.Fatalf("entry request = %+v", entryReq)
	}

	// Venue fills; the loop applies it and a stop goes out.
	e.gw.fills <- exchange.FillEvent{
		OrderID: entryReq.ClientID, Symbol: "AAPL",
		QtyIncrement: 10, Price: 100, TS: time.Now().UTC(),
	}
	waitFor(t, 2*time.Second, func() bool {
		reqs := e.gw.requests()
		return len(reqs) >= 2 && reqs[1].Type == exchange.OrderTypeStopMarket
	})

	pos, err := e.db.GetPosition(context.Background(), "VA001", "AAPL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Qty != 10 || pos.StopLossPrice != 98 {
		t.Fatalf("position = %+v", pos)
	}

	// A second symbol for the same VA bounces at the router.
	e.loop.SubmitSignal(freshSignal("VA001", "GOOGL", 5))
	waitFor(t, 2*time.Second, func() bool {
		snap := e.metrics.GetSnapshot()
		return snap.Rejections[admission.ReasonSymbolConflict] == 1
	})

	// No order went out for the conflicting signal.
	for _, req := range e.gw.requests() {
		if req.Symbol == "GOOGL" {
			t.Fatalf("conflicting signal reached the venue: %+v", req)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not shut down")
	}
}

func TestFilterRejectionCounted(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.loop.Run(ctx)
		close(done)
	}()

	s := freshSignal("VA001", "AAPL", 10)
	s.Snapshot.Bid = 100.00
	s.Snapshot.Ask = 100.20 // 20bps spread
	s.ExpectedPrice = 0
	e.loop.SubmitSignal(s)

	waitFor(t, 2*time.Second, func() bool {
		snap := e.metrics.GetSnapshot()
		return snap.Rejections[admission.ReasonSpreadTooWide] == 1
	})
	if len(e.gw.requests()) != 0 {
		t.Fatalf("rejected signal reached the venue")
	}

	// The failed signal must not leave the symbol reserved.
	ok := freshSignal("VA001", "MSFT", 5)
	e.loop.SubmitSignal(ok)
	waitFor(t, 2*time.Second, func() bool {
		return len(e.gw.requests()) == 1
	})

	cancel()
	<-done
}

func TestQueueBackpressureCountsDrops(t *testing.T) {
	e := newEnv(t)

	// Loop not running: the queue fills and evicts the oldest.
	for i := 0; i < 20; i++ {
		e.loop.SubmitSignal(freshSignal("VA001", "AAPL", 1))
	}
	if e.loop.DroppedSignals() == 0 {
		t.Fatalf("no drops recorded for an overfull queue")
	}
}
