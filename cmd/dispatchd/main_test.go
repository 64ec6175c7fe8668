package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/dispatchd/internal/executor"
)

func TestRunStatusCommand_HealthyDaemon(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "sqlite_version": "3.46.0", "uptime_sec": 12, "config": "cfg-abc",
		})
	}))
	defer ts.Close()

	addr := ts.Listener.Addr().(*net.TCPAddr).String()
	if code := runStatusCommand(context.Background(), []string{"-addr", addr}); code != 0 {
		t.Fatalf("expected exit 0 for healthy daemon, got %d", code)
	}
	if code := runStatusCommand(context.Background(), []string{"-addr", addr, "-json"}); code != 0 {
		t.Fatalf("expected exit 0 with -json, got %d", code)
	}
}

func TestRunStatusCommand_Unreachable(t *testing.T) {
	// A port nothing listens on.
	if code := runStatusCommand(context.Background(), []string{"-addr", "127.0.0.1:1"}); code != 1 {
		t.Fatalf("expected exit 1 for unreachable daemon, got %d", code)
	}
}

func TestRegisterBuiltinNodes(t *testing.T) {
	reg := executor.NewNodeRegistry()
	registerBuiltinNodes(reg)
	echo, ok := reg.Lookup("echo")
	if !ok {
		t.Fatal("echo node not registered")
	}
	out, err := echo(context.Background(), json.RawMessage(`"x"`))
	if err != nil || string(out) != `"x"` {
		t.Fatalf("echo: out=%s err=%v", out, err)
	}

	wrap, ok := reg.Lookup("wrap")
	if !ok {
		t.Fatal("wrap node not registered")
	}
	out, err = wrap(context.Background(), json.RawMessage(`{"a":1}`))
	if err != nil || string(out) != `{"wrapped":{"a":1}}` {
		t.Fatalf("wrap: out=%s err=%v", out, err)
	}
}
