package broadcast

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub[string]()
	ch, unsubscribe := hub.Subscribe(4)
	defer unsubscribe()

	hub.Publish("hello")

	select {
	case got := <-ch:
		if got != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub[int]()
	ch, unsubscribe := hub.Subscribe(1)
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}
}

func TestHubDropsWhenSubscriberSlow(t *testing.T) {
	hub := NewHub[int]()
	_, unsubscribe := hub.Subscribe(1)
	defer unsubscribe()

	// Fill the buffer, then publish again; the second publish must not block.
	hub.Publish(1)
	done := make(chan struct{})
	go func() {
		hub.Publish(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}
