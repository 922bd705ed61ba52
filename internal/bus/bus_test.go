package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Emit(KindStatusChanged, "connected")

	select {
	case evt := <-ch:
		if evt.Kind != KindStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStatusChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(KindTypingChanged, nil)
	b.Emit(KindMessageUpserted, MessageRef{ConversationID: "c1", MessageID: "m1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageUpserted)
		}
		ref, ok := evt.Payload.(MessageRef)
		if !ok || ref.MessageID != "m1" {
			t.Errorf("payload = %#v, want MessageRef m1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()
	unsub()

	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	b.Emit(KindStatusChanged, nil)
	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 1)
	defer unsub()

	b.Emit(KindTypingChanged, "one")
	b.Emit(KindTypingChanged, "two")

	evt := <-ch
	if evt.Payload != "one" {
		t.Errorf("got %v, want one", evt.Payload)
	}
}

func TestNilBusPublishIsSafe(t *testing.T) {
	var b *Bus
	b.Emit(KindStatusChanged, nil)
}
