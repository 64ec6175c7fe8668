package referencerunner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/dispatchd/internal/executor"
)

func TestEnsureLoaded_RejectsEmptyModel(t *testing.T) {
	r := New("test-key")
	if err := r.EnsureLoaded(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty model id")
	}
	if err := r.EnsureLoaded(context.Background(), "claude-haiku-4-5-20251001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunChat_RejectsMalformedRequest(t *testing.T) {
	r := New("test-key")
	cancel := executor.NewCancelFlag()
	noToken := func(string) {}

	_, err := r.RunChat(context.Background(), json.RawMessage(`not json`), nil, noToken, cancel)
	if err == nil {
		t.Fatal("expected parse error for malformed messages")
	}

	_, err = r.RunChat(context.Background(), json.RawMessage(`[]`), nil, noToken, cancel)
	if err == nil {
		t.Fatal("expected error for empty message list")
	}

	_, err = r.RunChat(context.Background(),
		json.RawMessage(`[{"role":"user","content":"hi"}]`),
		json.RawMessage(`{"max_tokens":"not a number"}`), noToken, cancel)
	if err == nil {
		t.Fatal("expected parse error for malformed parameters")
	}
}
