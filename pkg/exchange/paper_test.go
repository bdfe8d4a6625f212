package exchange

import (
	"context"
	"testing"
	"time"
)

func TestPaperMarketOrderFills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPaper(PaperConfig{
		Symbols:      []string{"AAPL"},
		StartPrice:   100,
		TickInterval: 10 * time.Millisecond,
		FillDelayMin: time.Millisecond,
		FillDelayMax: 5 * time.Millisecond,
	})
	p.Start(ctx)

	res, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "ord-1", Symbol: "AAPL", Side: SideBuy,
		Type: OrderTypeMarket, Qty: 10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExchangeOrderID == "" {
		t.Fatalf("no exchange order id")
	}

	var total float64
	deadline := time.After(2 * time.Second)
	for total < 10 {
		select {
		case f := <-p.Fills():
			if f.OrderID != "ord-1" {
				t.Fatalf("fill for wrong order: %+v", f)
			}
			total += f.QtyIncrement
		case <-deadline:
			t.Fatalf("timed out waiting for fills, got %v", total)
		}
	}

	state, err := p.QueryOrder(ctx, res.ExchangeOrderID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state.Status != StatusFilled || state.QtyFilled != 10 {
		t.Fatalf("state = %+v", state)
	}
}

func TestPaperRejectsBadOrders(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{Symbols: []string{"AAPL"}})

	if _, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "x", Symbol: "AAPL", Side: SideBuy, Type: OrderTypeMarket, Qty: 0,
	}); err == nil {
		t.Fatalf("zero quantity accepted")
	}
	if _, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "x", Symbol: "MISSING", Side: SideBuy, Type: OrderTypeMarket, Qty: 1,
	}); err == nil {
		t.Fatalf("unknown symbol accepted")
	}
	if _, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "x", Symbol: "AAPL", Side: SideSell, Type: OrderTypeStopMarket, Qty: 1,
	}); err == nil {
		t.Fatalf("stop order without trigger accepted")
	}
}

func TestPaperCancelRestingStop(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{Symbols: []string{"AAPL"}, StartPrice: 100})

	res, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "stop-1", Symbol: "AAPL", Side: SideSell,
		Type: OrderTypeStopMarket, Qty: 10, StopPrice: 90, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := p.CancelOrder(ctx, res.ExchangeOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	state, err := p.QueryOrder(ctx, res.ExchangeOrderID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state.Status != StatusCanceled {
		t.Fatalf("status = %v, want CANCELED", state.Status)
	}
}

func TestPaperSnapshotQuote(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{Symbols: []string{"AAPL"}, StartPrice: 100, SpreadBps: 2})

	snap, err := p.Snapshot(ctx, "AAPL")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Bid <= 0 || snap.Ask < snap.Bid {
		t.Fatalf("bad quote: %+v", snap)
	}
	if snap.Mid() == 0 {
		t.Fatalf("mid = 0 for a live quote")
	}
}
