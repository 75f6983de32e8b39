package eventbus

import "testing"

func TestSubscribePrefixFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	out, unsubOut := b.Subscribe(4, "outbound.")
	defer unsubOut()

	b.Publish(Event{Type: "peer.connected"})
	b.Publish(Event{Type: "outbound.acked"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(out); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-out
	if e.Type != "outbound.acked" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "after-unsubscribe"})
}
