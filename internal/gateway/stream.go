package gateway

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/store"
	"github.com/basket/dispatchd/internal/worker"
)

// streamBufferSize bounds the per-connection event buffer. A subscriber that
// cannot drain this many events loses the overflow: the Event Hub must never
// block a worker mid-generation on a slow WebSocket peer.
const streamBufferSize = 256

// handleInferenceStream upgrades GET /inference/{id}/stream and forwards the
// task's channel events until a terminal event (DONE, ERROR, CANCELED) is
// delivered, then closes.
func (s *Server) handleInferenceStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	// Subscribe before the snapshot read so no event can fall between the
	// row check and the subscription.
	events := make(chan bus.Event, streamBufferSize)
	var dropped atomic.Bool
	sub := s.cfg.Bus.Subscribe(bus.InferenceChannel(id), func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			dropped.Store(true)
		}
	})
	defer s.cfg.Bus.Unsubscribe(sub)

	task, err := s.cfg.Store.GetInferenceTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "inference task not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("get inference task for stream", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.cfg.Logger.Info("inference stream connected", "task_id", id)
	defer func() {
		s.cfg.Logger.Info("inference stream disconnecting", "task_id", id)
		_ = conn.Close(websocket.StatusNormalClosure, "stream complete")
	}()

	ctx := r.Context()

	// A task that reached a terminal state before this subscriber arrived
	// gets one synthesized terminal event; the live events are long gone
	// and the durable row is the authority.
	if terminal := terminalEventForRow(task); terminal != nil {
		_ = wsjson.Write(ctx, conn, terminal)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev.Data); err != nil {
				s.cfg.Logger.Debug("inference stream write failed", "task_id", id, "error", err)
				return
			}
			if worker.TerminalStreamEvent(ev.Kind) {
				return
			}
			if dropped.Load() {
				// The peer fell too far behind to trust the stream's
				// completeness; end it so the client re-reads the row.
				s.cfg.Logger.Warn("inference stream overflow, closing", "task_id", id)
				_ = conn.Close(websocket.StatusPolicyViolation, "stream overflow")
				return
			}
		}
	}
}

// terminalEventForRow synthesizes the terminal stream event matching an
// already-terminal row, or nil when the task is still in flight.
func terminalEventForRow(t *store.InferenceTask) map[string]any {
	base := func(kind string) map[string]any {
		return map[string]any{
			"type":    kind,
			"task_id": t.ID,
			"ts":      time.Now().UTC().Unix(),
		}
	}
	switch t.Status {
	case store.StatusCompleted:
		ev := base(worker.EventDone)
		ev["data"] = map[string]any{
			"result":            t.Result.String,
			"tokens_per_second": t.TokensPerSecond.Float64,
		}
		return ev
	case store.StatusCanceled:
		return base(worker.EventCanceled)
	case store.StatusFailed:
		ev := base(worker.EventError)
		ev["data"] = map[string]any{"message": t.ErrorLog.String}
		return ev
	default:
		return nil
	}
}
