package gateway_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/enqueue"
	"github.com/basket/dispatchd/internal/executor"
	"github.com/basket/dispatchd/internal/gateway"
	"github.com/basket/dispatchd/internal/store"
	"github.com/basket/dispatchd/internal/worker"
)

type fixture struct {
	store   *store.Store
	hub     *bus.Hub
	cancels *worker.CancelRegistry
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dispatchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hub := bus.New(nil)
	cancels := worker.NewCancelRegistry()
	srv := gateway.New(gateway.Config{
		Store:   s,
		Enqueue: enqueue.New(s, hub, nil),
		Bus:     hub,
		Cancels: cancels,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{store: s, hub: hub, cancels: cancels, server: ts}
}

func (f *fixture) postJSON(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return out
}

func TestRunExecution_EnqueueThenGet(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/executions/run", `{"agent_id":"agent-a","input":{"q":"hi"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "QUEUED", body["status"])
	id := body["execution_id"].(string)
	require.NotEmpty(t, id)

	resp, row := f.get(t, "/executions/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "PENDING", row["status"])
	require.Equal(t, float64(70), row["priority"], "MANUAL_RUN base priority")
	require.Nil(t, row["lease_id"])

	// The enqueue transaction wrote the initial root node event.
	events := row["node_events"].([]any)
	require.Len(t, events, 1)
	require.Equal(t, "root", events[0].(map[string]any)["node_id"])
}

func TestRunExecution_Validation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.postJSON(t, "/executions/run", `{"input":{}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.postJSON(t, "/executions/run", `{broken`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetExecution_NotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/executions/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelExecution_RequestsAndSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, body := f.postJSON(t, "/executions/run", `{"agent_id":"agent-a","input":{}}`)
	id := body["execution_id"].(string)

	// Simulate the job running locally with a registered handle.
	flag := executor.NewCancelFlag()
	f.cancels.Register(id, flag)

	resp, out := f.postJSON(t, "/executions/"+id+"/cancel", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancel_requested", out["status"])
	require.True(t, flag.Signaled(), "in-process handle must be signaled")

	exec, err := f.store.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelRequested, exec.Status)

	// Cancelling a terminal job is a no-op success.
	require.NoError(t, f.store.FinalizeExecution(ctx, id, store.StatusCanceled, sql.NullString{}, sql.NullString{}))
	resp, _ = f.postJSON(t, "/executions/"+id+"/cancel", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChat_EnqueueThenGet(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/inference/chat",
		`{"model_id":"m1","messages":[{"role":"user","content":"hi"}],"parameters":{"max_tokens":64}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := body["task_id"].(string)

	resp, row := f.get(t, "/inference/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "PENDING", row["status"])
	require.Equal(t, float64(90), row["priority"], "CHAT base priority")
	require.Equal(t, "m1", row["model_id"])
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.postJSON(t, "/inference/chat", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.postJSON(t, "/inference/chat", `{"model_id":"m"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/admin/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["sqlite_version"])
	require.GreaterOrEqual(t, body["uptime_sec"].(float64), 0.0)
}

func TestPrometheusMetrics(t *testing.T) {
	f := newFixture(t)
	f.postJSON(t, "/inference/chat", `{"model_id":"m1","messages":[{"role":"user","content":"x"}]}`)

	resp, err := http.Get(f.server.URL + "/admin/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, `dispatchd_inference_jobs{status="pending"} 1`)
	require.Contains(t, text, `dispatchd_execution_jobs{status="pending"} 0`)
	require.Contains(t, text, "dispatchd_uptime_seconds")
}

func TestAuthToken_GatesEndpoints(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "dispatchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	hub := bus.New(nil)
	srv := gateway.New(gateway.Config{
		Store: s, Enqueue: enqueue.New(s, hub, nil), Bus: hub, AuthToken: "sesame",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/executions/x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/executions/x", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "authorized request reaches the handler")
}

// TestInferenceStream_LiveEvents checks the transport-level contract:
// tokens arrive in publish order, then one DONE, then the socket closes.
func TestInferenceStream_LiveEvents(t *testing.T) {
	f := newFixture(t)
	_, body := f.postJSON(t, "/inference/chat", `{"model_id":"m1","messages":[{"role":"user","content":"x"}]}`)
	id := body["task_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/inference/" + id + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Publish the way an inference worker does.
	publish := func(kind string, data map[string]any) {
		payload := map[string]any{"type": kind, "task_id": id, "ts": time.Now().UTC().Unix()}
		if data != nil {
			payload["data"] = data
		}
		f.hub.Publish(bus.Event{Channel: bus.InferenceChannel(id), Kind: kind, Data: payload})
	}
	go func() {
		// Give the handler a moment to finish subscribing after the dial.
		time.Sleep(50 * time.Millisecond)
		publish(worker.EventToken, map[string]any{"text": "Hello"})
		publish(worker.EventToken, map[string]any{"text": " "})
		publish(worker.EventToken, map[string]any{"text": "world"})
		publish(worker.EventDone, map[string]any{"result": "Hello world", "tokens_per_second": 12.5})
	}()

	var types []string
	var texts []string
	for i := 0; i < 4; i++ {
		var msg map[string]any
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		types = append(types, msg["type"].(string))
		if msg["type"] == worker.EventToken {
			texts = append(texts, msg["data"].(map[string]any)["text"].(string))
		}
	}
	require.Equal(t, []string{"TOKEN", "TOKEN", "TOKEN", "DONE"}, types)
	require.Equal(t, []string{"Hello", " ", "world"}, texts)

	// After the terminal event the server closes; the next read fails.
	var msg map[string]any
	require.Error(t, wsjson.Read(ctx, conn, &msg))
}

func TestInferenceStream_AlreadyTerminalSynthesizesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, body := f.postJSON(t, "/inference/chat", `{"model_id":"m1","messages":[{"role":"user","content":"x"}]}`)
	id := body["task_id"].(string)

	// Drive the row to COMPLETED without any live subscriber.
	task, err := f.store.ClaimNextInferenceTask(ctx, "lease-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	require.NoError(t, f.store.FinalizeInferenceTask(ctx, id, store.StatusCompleted,
		sql.NullString{String: "answer", Valid: true}, sql.NullString{},
		sql.NullFloat64{Float64: 9.0, Valid: true}))

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/inference/" + id + "/stream"
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var msg map[string]any
	require.NoError(t, wsjson.Read(dialCtx, conn, &msg))
	require.Equal(t, "DONE", msg["type"])
	require.Equal(t, "answer", msg["data"].(map[string]any)["result"])
}

func TestInferenceStream_UnknownTask(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/inference/ghost/stream")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
