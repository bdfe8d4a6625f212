package events

import (
	"sync"
	"sync/atomic"
)

// Event identifies a topic on the bus.
type Event string

const (
	EventMarketSnapshot Event = "market.snapshot"
	EventOrderUpdate    Event = "order.update"
	EventOrderFill      Event = "order.fill"
	EventTradeClosed    Event = "trade.closed"
	EventIncident       Event = "incident"
	EventSignalDropped  Event = "signal.dropped"
)

// Message is the envelope delivered to subscribers, tagged with its
// topic so one subscription can span several.
type Message struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}

type subscription struct {
	topics map[Event]struct{}
	ch     chan Message
}

func (s *subscription) wants(e Event) bool {
	_, ok := s.topics[e]
	return ok
}

// Bus fans engine events out to consumers. A subscriber names the
// topics it wants and reads one tagged stream; a consumer that falls
// behind loses events instead of stalling the trading path, and every
// lost event is counted.
type Bus struct {
	mu      sync.Mutex
	subs    []*subscription
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for the given topics and returns the
// message stream and an unsubscribe function. The stream closes on
// unsubscribe.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{
		topics: make(map[Event]struct{}, len(topics)),
		ch:     make(chan Message, buffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsub
}

// Publish delivers the payload to every subscriber of the topic without
// blocking and returns how many received it. Undeliverable messages are
// dropped and counted.
func (b *Bus) Publish(topic Event, payload any) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
