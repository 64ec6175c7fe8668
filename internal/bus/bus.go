// Package bus is the in-process event hub: a synchronous
// publish/subscribe mechanism keyed by exact channel name, used to stream
// execution and inference-task lifecycle events out to the gateway's
// WebSocket stream handler without a round trip through the store.
package bus

import (
	"log/slog"
	"slices"
	"sync"
)

// ExecutionChannel returns the channel name an execution's events are
// published on.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// InferenceChannel returns the channel name an inference task's events are
// published on.
func InferenceChannel(taskID string) string {
	return "inference:" + taskID
}

// Event is the payload handed to every subscriber of a channel. Kind is a
// short tag ("enqueued", "node_started", "node_completed", "completed",
// "canceled", "TOKEN", "DONE", ...); Data carries the kind-specific detail and is
// typically marshaled straight to JSON by the gateway.
type Event struct {
	Channel string
	Kind    string
	Data    any
}

// Callback receives one event. It must not block for long: delivery on a
// channel is synchronous and a slow subscriber holds up every other
// subscriber of the same channel, and the publisher itself.
type Callback func(Event)

// Hub is the Event Hub. The zero value is not usable; construct with New.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]Callback
	nextID      int
	logger      *slog.Logger
}

// New constructs an empty Hub. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[int]Callback),
		logger:      logger,
	}
}

// Subscription is an opaque handle returned by Subscribe; pass it to
// Unsubscribe to stop receiving events.
type Subscription struct {
	channel string
	id      int
}

// Subscribe registers cb to receive every event published on channel from
// this point forward. There is no replay: a subscriber only sees events
// published while it is subscribed — callers that need history read it from
// the durable node-event log instead.
func (h *Hub) Subscribe(channel string, cb Callback) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[channel] == nil {
		h.subscribers[channel] = make(map[int]Callback)
	}
	id := h.nextID
	h.nextID++
	h.subscribers[channel][id] = cb
	return Subscription{channel: channel, id: id}
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (h *Hub) Unsubscribe(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sub.channel]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subscribers, sub.channel)
	}
}

// Publish delivers ev to every current subscriber of ev.Channel, in
// registration order, synchronously on the calling goroutine. Each callback
// runs under its own panic recovery so one broken subscriber (a closed
// WebSocket write, a bad handler) cannot take down the publisher — typically
// a worker mid-execution — or starve the remaining subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	subs := h.subscribers[ev.Channel]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	callbacks := make([]Callback, 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, subs[id])
	}
	h.mu.RUnlock()

	for _, cb := range callbacks {
		h.deliver(cb, ev)
	}
}

func (h *Hub) deliver(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event hub subscriber panicked",
				"channel", ev.Channel, "kind", ev.Kind, "panic", r)
		}
	}()
	cb(ev)
}

// SubscriberCount reports how many callbacks are currently registered on
// channel; used by tests.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}
