package worker

import (
	"time"

	"github.com/basket/dispatchd/internal/bus"
)

// Inference stream event types, matching the WebSocket event schema the
// gateway forwards verbatim.
const (
	EventToken    = "TOKEN"
	EventDone     = "DONE"
	EventCanceled = "CANCELED"
	EventError    = "ERROR"
)

// streamEvent builds one inference-channel event shaped exactly like the
// wire message the gateway pushes to WebSocket subscribers: the gateway
// marshals Data as-is, so the schema is fixed here at the publishing side.
func streamEvent(kind, taskID string, data map[string]any) bus.Event {
	payload := map[string]any{
		"type":    kind,
		"task_id": taskID,
		"ts":      time.Now().UTC().Unix(),
	}
	if data != nil {
		payload["data"] = data
	}
	return bus.Event{
		Channel: bus.InferenceChannel(taskID),
		Kind:    kind,
		Data:    payload,
	}
}

// TerminalStreamEvent reports whether kind ends an inference stream.
func TerminalStreamEvent(kind string) bool {
	switch kind {
	case EventDone, EventCanceled, EventError:
		return true
	}
	return false
}
