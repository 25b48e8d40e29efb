package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	ticks, unsubTicks := b.Subscribe(4, "tick.completed")
	defer unsubTicks()

	b.Publish(Event{Type: "tick.scheduled"})
	b.Publish(Event{Type: "tick.completed", Data: 7})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	select {
	case e := <-ticks:
		if e.Type != "tick.completed" || e.Data != 7 || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	if got := len(ticks); got != 0 {
		t.Fatalf("filtered subscriber has %d extra events", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := len(ch); got != 1 {
		t.Fatalf("buffer len = %d, want 1", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
