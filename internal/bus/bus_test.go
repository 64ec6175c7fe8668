package bus_test

import (
	"sync"
	"testing"

	"github.com/basket/dispatchd/internal/bus"
)

func TestPublish_DeliversSynchronouslyToAllSubscribers(t *testing.T) {
	h := bus.New(nil)
	ch := bus.ExecutionChannel("exec-1")

	var mu sync.Mutex
	var received []string

	h.Subscribe(ch, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "sub-a:"+ev.Kind)
	})
	h.Subscribe(ch, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "sub-b:"+ev.Kind)
	})

	h.Publish(bus.Event{Channel: ch, Kind: "node_started"})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected both subscribers to receive the event before Publish returns, got %v", received)
	}
}

func TestPublish_OnlyReachesMatchingChannel(t *testing.T) {
	h := bus.New(nil)

	var gotWrongChannel bool
	h.Subscribe(bus.ExecutionChannel("exec-1"), func(ev bus.Event) {
		gotWrongChannel = true
	})

	h.Publish(bus.Event{Channel: bus.ExecutionChannel("exec-2"), Kind: "node_started"})

	if gotWrongChannel {
		t.Fatal("subscriber to exec-1 should not receive events published on exec-2")
	}
}

func TestPublish_SurvivesPanickingSubscriber(t *testing.T) {
	h := bus.New(nil)
	ch := bus.ExecutionChannel("exec-1")

	var secondCalled bool
	h.Subscribe(ch, func(ev bus.Event) {
		panic("boom")
	})
	h.Subscribe(ch, func(ev bus.Event) {
		secondCalled = true
	})

	h.Publish(bus.Event{Channel: ch, Kind: "node_started"})

	if !secondCalled {
		t.Fatal("expected the second subscriber to still run after the first panicked")
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := bus.New(nil)
	ch := bus.ExecutionChannel("exec-1")

	var count int
	sub := h.Subscribe(ch, func(ev bus.Event) {
		count++
	})
	h.Publish(bus.Event{Channel: ch, Kind: "node_started"})
	h.Unsubscribe(sub)
	h.Publish(bus.Event{Channel: ch, Kind: "node_completed"})

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
	if h.SubscriberCount(ch) != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe and channel cleanup, got %d", h.SubscriberCount(ch))
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	h := bus.New(nil)
	h.Publish(bus.Event{Channel: bus.InferenceChannel("task-1"), Kind: "token"})
}
