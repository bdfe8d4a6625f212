// Package loop orchestrates the concurrent activities of the engine:
// the signal consumer, the reconciliation ticker, and the position
// monitor. All tasks observe one shutdown signal and exit cooperatively;
// the store is closed by the caller after Run returns.
package loop

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
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

// Config carries the loop cadence knobs.
type Config struct {
	ReconcileInterval time.Duration
	SignalQueueSize   int
}

// Loop wires the governance pipeline together and schedules its tasks.
type Loop struct {
	database *db.Database
	gateway  exchange.Gateway
	rtr      *router.Router
	gov      *governor.Governor
	filters  *filter.Chain
	mgr      *order.Manager
	queue    *signal.Queue
	metrics  *monitor.Metrics
	bus      *events.Bus
	cfg      Config

	fatalOnce sync.Once
	fatalFn   context.CancelFunc

	storeErrs atomic.Int32
}

func New(database *db.Database, gw exchange.Gateway, rtr *router.Router, gov *governor.Governor, filters *filter.Chain, mgr *order.Manager, metrics *monitor.Metrics, bus *events.Bus, cfg Config) *Loop {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Second
	}
	return &Loop{
		database: database,
		gateway:  gw,
		rtr:      rtr,
		gov:      gov,
		filters:  filters,
		mgr:      mgr,
		queue:    signal.NewQueue(cfg.SignalQueueSize),
		metrics:  metrics,
		bus:      bus,
		cfg:      cfg,
	}
}

// SubmitSignal enqueues a signal for the consumer; oldest-dropped when
// the queue is full.
func (l *Loop) SubmitSignal(s signal.Signal) {
	before := l.queue.Dropped()
	l.queue.Push(s)
	if dropped := l.queue.Dropped() - before; dropped > 0 && l.bus != nil {
		l.bus.Publish(events.EventSignalDropped, s)
	}
}

// DroppedSignals reports the backpressure counter.
func (l *Loop) DroppedSignals() uint64 {
	return l.queue.Dropped()
}

// Run blocks until ctx is canceled, then lets in-flight work reconcile
// once before returning.
func (l *Loop) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.fatalFn = cancel

	var wg sync.WaitGroup

	// Signal consumer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.queue.Drain(ctx, func(s signal.Signal) {
			l.handleSignal(ctx, s)
		})
	}()

	// Fill stream.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-l.gateway.Fills():
				if !ok {
					return
				}
				if err := l.mgr.OnFill(ctx, f); err != nil {
					l.onStoreError(ctx, err)
					continue
				}
				l.storeErrs.Store(0)
				l.metrics.OnFill()
			}
		}
	}()

	// Reconciliation ticker.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(l.cfg.ReconcileInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := l.mgr.Reconcile(ctx); err != nil {
					l.onStoreError(ctx, err)
				}
			}
		}
	}()

	// Position monitor on the snapshot stream.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-l.gateway.Snapshots():
				if !ok {
					return
				}
				if l.bus != nil {
					l.bus.Publish(events.EventMarketSnapshot, snap)
				}
				if err := l.mgr.OnSnapshot(ctx, snap); err != nil {
					l.onStoreError(ctx, err)
				}
			}
		}
	}()

	log.Printf("loop: started (reconcile every %s)", l.cfg.ReconcileInterval)
	wg.Wait()

	// Let in-flight state settle once before the store goes away.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := l.mgr.Reconcile(shutdownCtx); err != nil {
		log.Printf("loop: final reconcile: %v", err)
	}
	log.Printf("loop: stopped (dropped signals: %d)", l.queue.Dropped())
}

// handleSignal walks one signal through router, governor, filters, and
// placement, logging the outcome of each stage.
func (l *Loop) handleSignal(ctx context.Context, s signal.Signal) {
	l.metrics.OnSignal()
	now := time.Now().UTC()

	if out := l.rtr.Route(s.VAID, s.Symbol); !out.Accepted {
		l.reject(s, out)
		return
	}

	if out := l.gov.Admit(ctx, s.VAID, now); !out.Accepted {
		l.reject(s, out)
		l.releaseIfIdle(ctx, s)
		return
	}

	if out := l.filters.Check(s.Snapshot, s.ExpectedPrice, now); !out.Accepted {
		l.reject(s, out)
		l.releaseIfIdle(ctx, s)
		return
	}

	start := time.Now()
	_, out, err := l.mgr.PlaceEntry(ctx, s)
	l.metrics.ObserveSubmit(time.Since(start))
	if err != nil {
		l.onStoreError(ctx, err)
		l.releaseIfIdle(ctx, s)
		return
	}
	if !out.Accepted {
		l.reject(s, out)
		l.releaseIfIdle(ctx, s)
		return
	}

	l.storeErrs.Store(0)
	l.metrics.OnAccepted()
}

func (l *Loop) reject(s signal.Signal, out admission.Outcome) {
	l.metrics.OnRejection(out.Reason)
	log.Printf("loop: signal %s %s %s rejected: %s", s.VAID, s.Side, s.Symbol, out)
}

// releaseIfIdle undoes a fresh router reservation when nothing came of
// the signal: no position and no live entry order means the symbol slot
// would otherwise leak until restart.
func (l *Loop) releaseIfIdle(ctx context.Context, s signal.Signal) {
	if _, err := l.database.GetPosition(ctx, s.VAID, s.Symbol); err == nil {
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		return
	}

	open, err := l.database.ListOpenOrders(ctx)
	if err != nil {
		return
	}
	for _, o := range open {
		if o.VAID == s.VAID && o.Symbol == s.Symbol && o.Intent == db.IntentEntry {
			return
		}
	}
	l.rtr.Release(s.VAID, s.Symbol)
}

// onStoreError escalates repeated persistence faults: cancel all open
// orders and halt the loop. Nothing is recovered silently.
func (l *Loop) onStoreError(ctx context.Context, err error) {
	l.metrics.OnError(err)
	log.Printf("loop: store error: %v", err)

	if l.storeErrs.Add(1) < 3 {
		return
	}

	l.fatalOnce.Do(func() {
		log.Printf("loop: repeated store faults, canceling open orders and halting")
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.mgr.CancelAllOpen(cancelCtx)
		if l.fatalFn != nil {
			l.fatalFn()
		}
	})
}
