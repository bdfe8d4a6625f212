// Package monitor tracks pipeline health: admission counters per
// rejection reason, venue submission cost, and the last error seen. The
// dashboard reads snapshots; nothing here mutates trading state.
package monitor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/admission"
)

// Metrics tracks overall system health.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	signalsReceived uint64
	signalsAccepted uint64
	fillsApplied    uint64
	errorsCount     uint64

	rejections map[admission.Reason]uint64
	lastError  string

	submit submitTracker
}

// NewMetrics creates a metrics instance. Submissions slower than one
// second count as slow until SetSlowSubmitBudget says otherwise.
func NewMetrics() *Metrics {
	return &Metrics{
		rejections: make(map[admission.Reason]uint64),
		submit:     submitTracker{budgetMs: 1000},
	}
}

// SetSlowSubmitBudget aligns the slow-submit threshold with the
// configured exchange call timeout.
func (m *Metrics) SetSlowSubmitBudget(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.submit.budgetMs = float64(d.Milliseconds())
	}
}

// submitTracker keeps the running cost of venue submissions: how many,
// the incremental mean, the worst case, and how many blew the budget.
// The governance pipeline cares about "are submissions degrading", not
// a full latency distribution, so this stays a handful of scalars.
type submitTracker struct {
	count    uint64
	meanMs   float64
	maxMs    float64
	slow     uint64
	budgetMs float64
}

func (t *submitTracker) observe(ms float64) {
	t.count++
	t.meanMs += (ms - t.meanMs) / float64(t.count)
	if ms > t.maxMs {
		t.maxMs = ms
	}
	if ms > t.budgetMs {
		t.slow++
	}
}

// SubmitStats is the dashboard view of venue submission cost.
type SubmitStats struct {
	Count  uint64  `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MaxMs  float64 `json:"max_ms"`
	Slow   uint64  `json:"slow"`
	Budget float64 `json:"budget_ms"`
}

// ObserveSubmit records one venue submission round trip.
func (m *Metrics) ObserveSubmit(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submit.observe(float64(d.Nanoseconds()) / 1e6)
}

// OnSignal counts an incoming signal.
func (m *Metrics) OnSignal() {
	atomic.AddUint64(&m.signalsReceived, 1)
}

// OnAccepted counts a signal that made it through every gate.
func (m *Metrics) OnAccepted() {
	atomic.AddUint64(&m.signalsAccepted, 1)
}

// OnRejection counts a rejection under its reason.
func (m *Metrics) OnRejection(reason admission.Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[reason]++
}

// OnFill counts an applied fill event.
func (m *Metrics) OnFill() {
	atomic.AddUint64(&m.fillsApplied, 1)
}

// OnError counts an error and keeps its message for the dashboard.
func (m *Metrics) OnError(err error) {
	atomic.AddUint64(&m.errorsCount, 1)
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	Submit          SubmitStats                 `json:"submit"`
	SignalsReceived uint64                      `json:"signals_received"`
	SignalsAccepted uint64                      `json:"signals_accepted"`
	FillsApplied    uint64                      `json:"fills_applied"`
	ErrorsCount     uint64                      `json:"errors_count"`
	Rejections      map[admission.Reason]uint64 `json:"rejections"`
	LastError       string                      `json:"last_error"`
	GoroutineCount  int                         `json:"goroutine_count"`
	Timestamp       time.Time                   `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	rejections := make(map[admission.Reason]uint64, len(m.rejections))
	for k, v := range m.rejections {
		rejections[k] = v
	}
	lastError := m.lastError
	submit := SubmitStats{
		Count:  m.submit.count,
		AvgMs:  m.submit.meanMs,
		MaxMs:  m.submit.maxMs,
		Slow:   m.submit.slow,
		Budget: m.submit.budgetMs,
	}
	m.mu.RUnlock()

	return Snapshot{
		Submit:          submit,
		SignalsReceived: atomic.LoadUint64(&m.signalsReceived),
		SignalsAccepted: atomic.LoadUint64(&m.signalsAccepted),
		FillsApplied:    atomic.LoadUint64(&m.fillsApplied),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		Rejections:      rejections,
		LastError:       lastError,
		GoroutineCount:  runtime.NumGoroutine(),
		Timestamp:       time.Now(),
	}
}
