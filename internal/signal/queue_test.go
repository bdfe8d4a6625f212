package signal

import (
	"context"
	"testing"
	"time"
)

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)

	q.Push(Signal{VAID: "VA001", Symbol: "A"})
	q.Push(Signal{VAID: "VA001", Symbol: "B"})
	if ok := q.Push(Signal{VAID: "VA001", Symbol: "C"}); !ok {
		t.Fatalf("push should succeed by evicting the oldest")
	}

	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}

	got := make([]string, 0, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	q.Drain(ctx, func(s Signal) {
		got = append(got, s.Symbol)
		if len(got) == 2 {
			cancel()
		}
	})

	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("queue contents = %v, want [B C]", got)
	}
}

func TestQueueOrderPreserved(t *testing.T) {
	q := NewQueue(8)
	for _, sym := range []string{"A", "B", "C"} {
		q.Push(Signal{Symbol: sym})
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
	for _, want := range []string{"A", "B", "C"} {
		s := <-q.Chan()
		if s.Symbol != want {
			t.Fatalf("got %s, want %s", s.Symbol, want)
		}
	}
}
