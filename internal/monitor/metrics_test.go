package monitor

import (
	"errors"
	"testing"
	"time"

	"execution-core/internal/admission"
)

func TestRejectionCounters(t *testing.T) {
	m := NewMetrics()

	m.OnSignal()
	m.OnSignal()
	m.OnRejection(admission.ReasonSpreadTooWide)
	m.OnRejection(admission.ReasonSpreadTooWide)
	m.OnRejection(admission.ReasonInCooldown)
	m.OnAccepted()

	snap := m.GetSnapshot()
	if snap.SignalsReceived != 2 || snap.SignalsAccepted != 1 {
		t.Fatalf("counters = %+v", snap)
	}
	if snap.Rejections[admission.ReasonSpreadTooWide] != 2 {
		t.Fatalf("spread rejections = %d, want 2", snap.Rejections[admission.ReasonSpreadTooWide])
	}
	if snap.Rejections[admission.ReasonInCooldown] != 1 {
		t.Fatalf("cooldown rejections = %d, want 1", snap.Rejections[admission.ReasonInCooldown])
	}
}

func TestLastErrorSurfaced(t *testing.T) {
	m := NewMetrics()
	m.OnError(errors.New("store unreachable"))

	snap := m.GetSnapshot()
	if snap.ErrorsCount != 1 || snap.LastError != "store unreachable" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSubmitTrackerRunningStats(t *testing.T) {
	m := NewMetrics()
	m.SetSlowSubmitBudget(100 * time.Millisecond)

	m.ObserveSubmit(20 * time.Millisecond)
	m.ObserveSubmit(40 * time.Millisecond)
	m.ObserveSubmit(150 * time.Millisecond) // over budget

	stats := m.GetSnapshot().Submit
	if stats.Count != 3 {
		t.Fatalf("count = %d, want 3", stats.Count)
	}
	if stats.AvgMs != 70 {
		t.Fatalf("avg = %v, want 70", stats.AvgMs)
	}
	if stats.MaxMs != 150 {
		t.Fatalf("max = %v, want 150", stats.MaxMs)
	}
	if stats.Slow != 1 {
		t.Fatalf("slow = %d, want 1", stats.Slow)
	}
	if stats.Budget != 100 {
		t.Fatalf("budget = %v, want 100", stats.Budget)
	}
}
