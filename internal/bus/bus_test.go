package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessagesChanged, ConversationID: 1, Payload: uint64(3)})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessagesChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessagesChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindNotice})
	b.Publish(Event{Kind: KindStateChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindStateChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStateChanged)
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

func TestConversationFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeConversation("", 7, 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessagesChanged, ConversationID: 8})
	b.Publish(Event{Kind: KindMessagesChanged, ConversationID: 7})

	select {
	case evt := <-ch:
		if evt.ConversationID != 7 {
			t.Errorf("got conversation %d, want 7", evt.ConversationID)
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

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindNotice})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Dropped: buffer full.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
