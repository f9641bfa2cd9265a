package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	states, unsubStates := b.Subscribe(4, "poller.state")
	defer unsubStates()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "poller.heartbeat"})
	b.Publish(Event{Type: "poller.state", Data: "polling"})

	select {
	case e := <-states:
		if e.Type != "poller.state" || e.Data != "polling" {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatalf("expected publish time to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("state event not delivered")
	}
	if got := len(states); got != 0 {
		t.Fatalf("filtered subscriber received %d extra events", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}
