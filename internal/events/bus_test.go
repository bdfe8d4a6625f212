package events

import "testing"

func TestSubscribeTopicSet(t *testing.T) {
	b := NewBus()
	stream, unsub := b.Subscribe(4, EventOrderUpdate, EventTradeClosed)
	defer unsub()

	if n := b.Publish(EventOrderUpdate, "o1"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	// Not in the topic set: nobody receives, nothing is dropped.
	if n := b.Publish(EventMarketSnapshot, "tick"); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", b.Dropped())
	}

	msg := <-stream
	if msg.Topic != EventOrderUpdate || msg.Payload != "o1" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestPublishCountsDropsForSlowSubscribers(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(1, EventIncident)
	defer unsub()

	b.Publish(EventIncident, "first")
	b.Publish(EventIncident, "second") // buffer full, dropped

	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	b := NewBus()
	stream, unsub := b.Subscribe(1, EventOrderFill)
	unsub()

	if _, ok := <-stream; ok {
		t.Fatalf("stream not closed after unsubscribe")
	}
	if n := b.Publish(EventOrderFill, "x"); n != 0 {
		t.Fatalf("delivered to removed subscriber")
	}
}
