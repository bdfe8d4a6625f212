package exchange

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Symbols       []string
	StartPrice    float64
	Step          float64       // random walk step per tick
	TickInterval  time.Duration // snapshot cadence
	FillDelayMin  time.Duration
	FillDelayMax  time.Duration
	PartialChance float64 // probability a market order fills in two increments
	SpreadBps     float64 // quoted spread around the walk price
	RatePerSec    rate.Limit
}

type paperOrder struct {
	req      OrderRequest
	id       string
	status   OrderStatus
	filled   float64
	avgPrice float64
}

// Paper is a simulated exchange for local development. It honors the
// Gateway contract: market orders fill asynchronously (sometimes in two
// increments), stop-market orders rest until price crosses the trigger.
type Paper struct {
	cfg     PaperConfig
	limiter *rate.Limiter

	mu     sync.Mutex
	prices map[string]float64
	orders map[string]*paperOrder // keyed by exchange order id

	fills     chan FillEvent
	snapshots chan MarketSnapshot
	closeOnce sync.Once
}

// NewPaper creates a paper venue; Start must be called to begin ticking.
func NewPaper(cfg PaperConfig) *Paper {
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTCUSDT"}
	}
	if cfg.StartPrice == 0 {
		cfg.StartPrice = 100.0
	}
	if cfg.Step == 0 {
		cfg.Step = 0.05
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.FillDelayMin == 0 {
		cfg.FillDelayMin = 50 * time.Millisecond
	}
	if cfg.FillDelayMax <= cfg.FillDelayMin {
		cfg.FillDelayMax = cfg.FillDelayMin + 200*time.Millisecond
	}
	if cfg.SpreadBps == 0 {
		cfg.SpreadBps = 2.0
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 20
	}

	prices := make(map[string]float64, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		prices[sym] = cfg.StartPrice
	}

	return &Paper{
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.RatePerSec, int(cfg.RatePerSec)),
		prices:    prices,
		orders:    make(map[string]*paperOrder),
		fills:     make(chan FillEvent, 256),
		snapshots: make(chan MarketSnapshot, 256),
	}
}

// Start begins the price walk; the streams close when ctx is canceled.
func (p *Paper) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(p.cfg.TickInterval)
		defer t.Stop()
		defer p.closeOnce.Do(func() {
			close(p.fills)
			close(p.snapshots)
		})
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.tick()
			}
		}
	}()
}

func (p *Paper) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	for _, sym := range p.cfg.Symbols {
		price := p.prices[sym] + (rand.Float64()*2-1)*p.cfg.Step
		if price <= 0 {
			price = p.cfg.Step
		}
		p.prices[sym] = price

		snap := p.quoteLocked(sym, now)
		select {
		case p.snapshots <- snap:
		default:
			// drop if the consumer is slow; the next tick supersedes it
		}

		p.triggerStopsLocked(sym, price, now)
	}
}

func (p *Paper) quoteLocked(symbol string, now time.Time) MarketSnapshot {
	price := p.prices[symbol]
	half := price * p.cfg.SpreadBps / 10_000 / 2
	return MarketSnapshot{
		Symbol:          symbol,
		Bid:             price - half,
		Ask:             price + half,
		Last:            price,
		AsOf:            now,
		SourceLatencyMs: rand.Float64() * 20,
	}
}

// triggerStopsLocked fills resting stop orders whose trigger crossed.
func (p *Paper) triggerStopsLocked(symbol string, price float64, now time.Time) {
	for _, o := range p.orders {
		if o.req.Symbol != symbol || o.req.Type != OrderTypeStopMarket {
			continue
		}
		if o.status != StatusNew && o.status != StatusPartial {
			continue
		}
		crossed := (o.req.Side == SideSell && price <= o.req.StopPrice) ||
			(o.req.Side == SideBuy && price >= o.req.StopPrice)
		if !crossed {
			continue
		}
		remaining := o.req.Qty - o.filled
		o.filled = o.req.Qty
		o.avgPrice = price
		o.status = StatusFilled
		p.emitFill(o, remaining, price, now)
	}
}

func (p *Paper) emitFill(o *paperOrder, qty, price float64, ts time.Time) {
	select {
	case p.fills <- FillEvent{
		OrderID:         o.req.ClientID,
		ExchangeOrderID: o.id,
		Symbol:          o.req.Symbol,
		QtyIncrement:    qty,
		Price:           price,
		TS:              ts,
	}:
	default:
		log.Printf("paper: fill channel full, dropping fill for %s", o.req.ClientID)
	}
}

// SubmitOrder acks immediately; market orders fill shortly after.
func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return OrderResult{}, ErrTimeout
	}
	if req.Qty <= 0 {
		return OrderResult{}, &RejectedError{Reason: "non-positive quantity"}
	}
	if req.Type == OrderTypeStopMarket && req.StopPrice <= 0 {
		return OrderResult{}, &RejectedError{Reason: "stop order without trigger price"}
	}

	o := &paperOrder{
		req:    req,
		id:     uuid.NewString(),
		status: StatusNew,
	}

	p.mu.Lock()
	if _, ok := p.prices[req.Symbol]; !ok {
		p.mu.Unlock()
		return OrderResult{}, &RejectedError{Reason: fmt.Sprintf("unknown symbol %s", req.Symbol)}
	}
	p.orders[o.id] = o
	p.mu.Unlock()

	if req.Type == OrderTypeMarket {
		go p.fillMarket(o)
	}

	return OrderResult{ExchangeOrderID: o.id, Status: StatusNew}, nil
}

func (p *Paper) fillMarket(o *paperOrder) {
	delay := p.cfg.FillDelayMin +
		time.Duration(rand.Int63n(int64(p.cfg.FillDelayMax-p.cfg.FillDelayMin)))
	time.Sleep(delay)

	p.mu.Lock()
	defer p.mu.Unlock()

	if o.status != StatusNew {
		return // canceled while in flight
	}

	price := p.prices[o.req.Symbol]
	now := time.Now().UTC()

	if rand.Float64() < p.cfg.PartialChance && o.req.Qty > 1 {
		first := o.req.Qty / 2
		o.filled = first
		o.avgPrice = price
		o.status = StatusPartial
		p.emitFill(o, first, price, now)

		rest := o.req.Qty - first
		restPrice := price + (rand.Float64()*2-1)*p.cfg.Step
		o.avgPrice = (price*first + restPrice*rest) / o.req.Qty
		o.filled = o.req.Qty
		o.status = StatusFilled
		p.emitFill(o, rest, restPrice, now.Add(time.Millisecond))
		return
	}

	o.filled = o.req.Qty
	o.avgPrice = price
	o.status = StatusFilled
	p.emitFill(o, o.req.Qty, price, now)
}

// CancelOrder cancels a resting order; terminal orders are left as-is.
func (p *Paper) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return ErrTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[exchangeOrderID]
	if !ok {
		return ErrUnavailable
	}
	if o.status == StatusNew || o.status == StatusPartial {
		o.status = StatusCanceled
	}
	return nil
}

// QueryOrder returns the venue's view of an order.
func (p *Paper) QueryOrder(ctx context.Context, exchangeOrderID string) (OrderState, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return OrderState{}, ErrTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderState{Status: StatusUnknown}, nil
	}
	return OrderState{Status: o.status, QtyFilled: o.filled, AvgFillPrice: o.avgPrice}, nil
}

// Snapshot returns a fresh quote for one symbol.
func (p *Paper) Snapshot(ctx context.Context, symbol string) (MarketSnapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return MarketSnapshot{}, ErrTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.prices[symbol]; !ok {
		return MarketSnapshot{}, fmt.Errorf("paper: unknown symbol %s", symbol)
	}
	return p.quoteLocked(symbol, time.Now().UTC()), nil
}

// Fills returns the execution stream.
func (p *Paper) Fills() <-chan FillEvent { return p.fills }

// Snapshots returns the quote stream.
func (p *Paper) Snapshots() <-chan MarketSnapshot { return p.snapshots }
