package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/dashboard"
	"execution-core/internal/events"
	"execution-core/internal/filter"
	"execution-core/internal/governor"
	"execution-core/internal/loop"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/router"
	sig "execution-core/internal/signal"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting execution core (port %s, db %s)", cfg.Port, cfg.DatabasePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	// The store is the serialization point for every invariant; it goes
	// away last.
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	if err := seedAccounts(ctx, database, cfg.AccountsFile); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}

	rtr := router.New()
	if err := rtr.Load(ctx, database); err != nil {
		log.Fatalf("load router: %v", err)
	}

	gov := governor.New(database, governor.Config{
		MaxLossCooldown:       cfg.MaxLossCooldown,
		CooldownDuration:      cfg.CooldownDuration,
		MaxOpenPositionsPerVA: cfg.MaxOpenPositionsPerVA,
	})
	if err := gov.Load(ctx); err != nil {
		log.Fatalf("load governor: %v", err)
	}
	gov.SetGlobalKill(cfg.KillSwitchEnabled)

	loc, err := time.LoadLocation(cfg.TradingTimezone)
	if err != nil {
		log.Fatalf("load timezone %q: %v", cfg.TradingTimezone, err)
	}
	chain, err := filter.NewChain(filter.Config{
		MaxSpreadBps:   cfg.MaxSpreadBps,
		MaxSlippageBps: cfg.MaxSlippageBps,
		MaxLatencyMs:   cfg.MaxLatencyMs,
		WindowStart:    cfg.TradingWindowStart,
		WindowEnd:      cfg.TradingWindowEnd,
		Location:       loc,
	})
	if err != nil {
		log.Fatalf("build filter chain: %v", err)
	}

	gateway := exchange.NewPaper(exchange.PaperConfig{
		Symbols:       cfg.Symbols,
		StartPrice:    100.0,
		Step:          0.05,
		TickInterval:  time.Second,
		PartialChance: 0.3,
	})
	gateway.Start(ctx)

	mgr := order.NewManager(database, gateway, gov, rtr, bus, order.Config{
		StopLossPct:         cfg.StopLossPercentage,
		StaleOrderThreshold: cfg.StaleOrderThreshold,
		CallTimeout:         cfg.ExchangeCallTimeout,
		StopAttachFailLimit: cfg.StopAttachFailLimit,
	})

	metrics := monitor.NewMetrics()
	metrics.SetSlowSubmitBudget(cfg.ExchangeCallTimeout)
	l := loop.New(database, gateway, rtr, gov, chain, mgr, metrics, bus, loop.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		SignalQueueSize:   cfg.SignalQueueSize,
	})

	view := dashboard.NewView(database, gov, metrics, bus, dashboard.Thresholds{
		MaxSpreadBps:       cfg.MaxSpreadBps,
		MaxSlippageBps:     cfg.MaxSlippageBps,
		MaxLatencyMs:       cfg.MaxLatencyMs,
		TradingWindowStart: cfg.TradingWindowStart,
		TradingWindowEnd:   cfg.TradingWindowEnd,
	}, cfg.ReconcileInterval, l.DroppedSignals)
	server := dashboard.NewServer(bus, database, view, gov, cfg.JWTSecret, cfg.OperatorKey)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Printf("dashboard server: %v", err)
		}
	}()

	if cfg.SimulateSignals {
		go simulateSignals(ctx, l, gateway, cfg.Symbols)
	}

	// Cooperative shutdown: the loop drains, reconciles once, and
	// returns before the deferred store close runs.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("shutdown requested")
		cancel()
	}()

	l.Run(ctx)
	log.Println("execution core stopped")
}

// seedAccounts creates the configured virtual accounts if they do not
// already exist.
func seedAccounts(ctx context.Context, database *db.Database, path string) error {
	specs, err := config.LoadAccounts(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := database.GetVirtualAccount(ctx, spec.VAID); err == nil {
			continue
		} else if err != db.ErrNotFound {
			return err
		}
		if err := database.CreateVirtualAccount(ctx, db.VirtualAccount{
			VAID:       spec.VAID,
			Balance:    spec.Balance,
			PeakEquity: spec.Balance,
		}); err != nil {
			return err
		}
		log.Printf("created virtual account %s (balance %.2f)", spec.VAID, spec.Balance)
	}
	return nil
}

// simulateSignals feeds random intents into the loop for local
// development against the paper venue.
func simulateSignals(ctx context.Context, l *loop.Loop, gateway *exchange.Paper, symbols []string) {
	vaIDs := []string{"VA001", "VA002", "VA003"}
	sides := []db.Side{db.SideBuy, db.SideSell}

	time.Sleep(2 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(5+rand.Intn(10)) * time.Second):
		}

		symbol := symbols[rand.Intn(len(symbols))]
		snap, err := gateway.Snapshot(ctx, symbol)
		if err != nil {
			continue
		}

		s := sig.Signal{
			VAID:          vaIDs[rand.Intn(len(vaIDs))],
			Symbol:        symbol,
			Side:          sides[rand.Intn(len(sides))],
			DesiredQty:    float64(10 + rand.Intn(90)),
			ExpectedPrice: snap.Last,
			Snapshot:      snap,
			ReceivedAt:    time.Now().UTC(),
		}
		l.SubmitSignal(s)
		log.Printf("signal: %s %s %.2f %s @ %.2f", s.VAID, s.Side, s.DesiredQty, s.Symbol, s.ExpectedPrice)
	}
}
