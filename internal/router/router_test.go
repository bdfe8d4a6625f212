package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution-core/internal/admission"
	"execution-core/pkg/db"
)

func TestRouteSingleSymbolPerVA(t *testing.T) {
	r := New()

	if out := r.Route("VA001", "AAPL"); !out.Accepted {
		t.Fatalf("first reservation rejected: %v", out)
	}
	// Adding to the same symbol is fine.
	if out := r.Route("VA001", "AAPL"); !out.Accepted {
		t.Fatalf("repeat reservation rejected: %v", out)
	}
	// A second symbol for the same VA is not.
	out := r.Route("VA001", "GOOGL")
	if out.Accepted {
		t.Fatalf("second symbol accepted")
	}
	if out.Reason != admission.ReasonSymbolConflict {
		t.Fatalf("reason = %v, want SymbolConflict", out.Reason)
	}

	// A different VA may trade a different symbol.
	if out := r.Route("VA002", "GOOGL"); !out.Accepted {
		t.Fatalf("independent VA rejected: %v", out)
	}
}

func TestReleaseFreesReservation(t *testing.T) {
	r := New()

	r.Route("VA001", "AAPL")
	r.Release("VA001", "AAPL")

	if out := r.Route("VA001", "GOOGL"); !out.Accepted {
		t.Fatalf("reservation not released: %v", out)
	}

	// Releasing a symbol the VA does not hold is a no-op.
	r.Release("VA001", "AAPL")
	if sym, ok := r.ActiveSymbol("VA001"); !ok || sym != "GOOGL" {
		t.Fatalf("stray release clobbered reservation: %v %v", sym, ok)
	}
}

func TestLoadRehydratesFromPositions(t *testing.T) {
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	p := db.Position{
		VAID: "VA001", Symbol: "AAPL", Side: db.SideBuy, Qty: 10,
		AvgEntryPrice: 100, StopLossPrice: 98, OpenedAt: now, UpdatedAt: now,
	}
	if err := db.CreatePosition(ctx, d.DB, p); err != nil {
		t.Fatalf("create position: %v", err)
	}

	r := New()
	if err := r.Load(ctx, d); err != nil {
		t.Fatalf("load: %v", err)
	}

	out := r.Route("VA001", "GOOGL")
	if out.Accepted {
		t.Fatalf("rehydrated reservation not enforced")
	}
	if out := r.Route("VA001", "AAPL"); !out.Accepted {
		t.Fatalf("rehydrated own symbol rejected: %v", out)
	}
}
