package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	b.Publish(NewEvent(KindConnectionChanged, "test"))

	select {
	case evt := <-ch:
		if evt.Kind != KindConnectionChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnectionChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("inbox.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnectionChanged})
	b.Publish(Event{Kind: KindUnreadChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindUnreadChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindUnreadChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure connection event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	unsub()

	unsub() // second call must not panic
	b.Publish(Event{Kind: KindConnectionChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestEmptyNamespaceMatchesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 4)
	defer unsub()

	b.Publish(NewEvent(KindConnectionChanged, nil))
	b.Publish(NewEvent(KindSendFailed, nil))
	if len(ch) != 2 {
		t.Errorf("buffered %d events, want 2", len(ch))
	}
}

func TestSubscribersCount(t *testing.T) {
	b := New()
	_, unsub1 := b.Subscribe("inbox.", 1)
	_, unsub2 := b.Subscribe("message.", 1)
	if got := b.Subscribers(); got != 2 {
		t.Fatalf("Subscribers() = %d, want 2", got)
	}
	unsub1()
	unsub2()
	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after unsubscribe = %d, want 0", got)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindMessageUpserted})
	if b.Dropped() != 0 || b.Subscribers() != 0 {
		t.Error("nil bus should report zero counters")
	}
}
