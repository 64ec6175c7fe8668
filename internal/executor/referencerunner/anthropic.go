// Package referencerunner is a concrete Model Runner backed by the Anthropic
// Messages API. It demonstrates the runner contract end to end — load check,
// streamed tokens, cooperative cancellation, tokens-per-second accounting —
// without the engine ever interpreting model output. Deployments with local
// weights swap in their own ModelRunner.
package referencerunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/dispatchd/internal/executor"
)

// Runner streams chat generations from the Anthropic API.
type Runner struct {
	client anthropic.Client

	mu    sync.Mutex
	model string // last model passed to EnsureLoaded
}

// New constructs a Runner. An empty apiKey falls back to the SDK's own
// environment lookup (ANTHROPIC_API_KEY).
func New(apiKey string) *Runner {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Runner{client: anthropic.NewClient(opts...)}
}

// EnsureLoaded validates the model id. A hosted API has no local weights to
// load, so this only rejects ids the request would fail on anyway; it keeps
// the runner contract's two-phase shape for runners that do load weights.
func (r *Runner) EnsureLoaded(_ context.Context, modelID string) error {
	if strings.TrimSpace(modelID) == "" {
		return errors.New("model id is empty")
	}
	r.mu.Lock()
	r.model = modelID
	r.mu.Unlock()
	return nil
}

// chatMessage is the engine's opaque message wire shape, interpreted only
// here at the collaborator boundary.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatParameters are the generation knobs this runner understands. Unknown
// fields in the opaque parameters blob are ignored.
type chatParameters struct {
	Model       string   `json:"model"`
	MaxTokens   int64    `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	System      string   `json:"system"`
}

// RunChat streams one generation, invoking onToken per text delta and
// checking cancel between deltas. Returns ErrCanceled when the flag was
// observed mid-stream.
func (r *Runner) RunChat(ctx context.Context, messages, parameters json.RawMessage, onToken func(text string), cancel *executor.CancelFlag) (executor.ChatResult, error) {
	var msgs []chatMessage
	if err := json.Unmarshal(messages, &msgs); err != nil {
		return executor.ChatResult{}, fmt.Errorf("parse messages: %w", err)
	}
	if len(msgs) == 0 {
		return executor.ChatResult{}, errors.New("no messages in request")
	}

	var params chatParameters
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &params); err != nil {
			return executor.ChatResult{}, fmt.Errorf("parse parameters: %w", err)
		}
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 1024
	}
	// The parameters blob may pin a model; otherwise the one handed to
	// EnsureLoaded is used.
	model := params.Model
	if model == "" {
		r.mu.Lock()
		model = r.model
		r.mu.Unlock()
	}
	if model == "" {
		return executor.ChatResult{}, errors.New("no model selected")
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: params.MaxTokens,
	}
	if params.Temperature != nil {
		req.Temperature = anthropic.Float(*params.Temperature)
	}
	if params.System != "" {
		req.System = []anthropic.TextBlockParam{{Text: params.System}}
	}
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			req.Messages = append(req.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			req.Messages = append(req.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	stream := r.client.Messages.NewStreaming(ctx, req)
	defer stream.Close()

	var acc anthropic.Message
	var out strings.Builder
	start := time.Now()

	for stream.Next() {
		if cancel.Signaled() {
			return executor.ChatResult{}, executor.ErrCanceled
		}
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return executor.ChatResult{}, fmt.Errorf("accumulate stream event: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if text := ev.Delta.Text; text != "" {
				out.WriteString(text)
				onToken(text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if cancel.Signaled() {
			return executor.ChatResult{}, executor.ErrCanceled
		}
		return executor.ChatResult{}, fmt.Errorf("anthropic stream: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	var tps float64
	if elapsed > 0 && acc.Usage.OutputTokens > 0 {
		tps = float64(acc.Usage.OutputTokens) / elapsed
	}
	return executor.ChatResult{Result: out.String(), TokensPerSecond: tps}, nil
}
