// Package executor defines the contracts the worker pools dispatch through:
// the Agent Executor that runs a leased execution's graph, the Model Runner
// that streams a leased inference task, the node registry handed to
// executors, and the cooperative cancellation flag shared by all of them.
// The engine never interprets what an executor or runner produces; it only
// records results and relays events.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/basket/dispatchd/internal/store"
)

// ErrCanceled is the sentinel an executor or runner returns when it observed
// its cancellation flag at a cooperative checkpoint and stopped. The worker
// finalizes the job CANCELED instead of FAILED when it sees this.
var ErrCanceled = errors.New("executor: run canceled")

// CancelFlag is a settable, observable cancellation signal. It is registered
// process-locally keyed by job id while the job runs; the API layer signals
// it on a cancel request and the executor/runner polls it at checkpoints.
// There is no forcible interrupt.
type CancelFlag struct {
	once sync.Once
	done chan struct{}
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{done: make(chan struct{})}
}

// Signal sets the flag. Safe to call more than once and from any goroutine.
func (f *CancelFlag) Signal() {
	f.once.Do(func() { close(f.done) })
}

// Signaled reports whether the flag has been set.
func (f *CancelFlag) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is signaled, for callers that
// want to select on it rather than poll.
func (f *CancelFlag) Done() <-chan struct{} {
	return f.done
}

// NodeUpdate is one node lifecycle transition reported by an Agent Executor
// through its event emitter. The worker turns each update into a durable
// node_events row and a published event on the execution's channel.
type NodeUpdate struct {
	NodeID string
	Status string // "started", "completed", "failed"
	Output string // intermediate output, if any
	Err    string // populated when Status is "failed"
}

// EventEmitter receives node updates from an executor mid-run. Emitters must
// be safe to call from the executor's goroutine at any point during RunGraph.
type EventEmitter func(NodeUpdate)

// NodeFunc is one named step an executor can invoke through the registry.
type NodeFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// NodeRegistry maps node names to step functions. Registration happens at
// process wire-up; lookups happen on executor goroutines, hence the lock.
type NodeRegistry struct {
	mu sync.RWMutex
	m  map[string]NodeFunc
}

// NewNodeRegistry returns an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{m: make(map[string]NodeFunc)}
}

// Register binds a node name to fn, replacing any previous binding.
func (r *NodeRegistry) Register(name string, fn NodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = fn
}

// Lookup returns the function bound to name, or false if none is registered.
func (r *NodeRegistry) Lookup(name string) (NodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.m[name]
	return fn, ok
}

// Names returns the registered node names; used by diagnostics.
func (r *NodeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	return names
}

// AgentRun is everything an Agent Executor is constructed with: the leased
// row, the agent's opaque config blob, the durable store handle, the node
// registry, an emitter bound to the execution's event channel, and the
// cancellation flag.
type AgentRun struct {
	Execution   *store.Execution
	AgentConfig json.RawMessage
	Store       *store.Store
	Registry    *NodeRegistry
	Emit        EventEmitter
	Cancel      *CancelFlag
}

// AgentExecutor runs one execution's graph to completion. RunGraph returns
// the final result blob, ErrCanceled if it stopped at a cancellation
// checkpoint, or any other error to mark the execution FAILED.
//
// A crashed worker may cause the same execution to be re-run after recovery;
// executors must be idempotent or tolerate duplicate side effects.
type AgentExecutor interface {
	RunGraph(ctx context.Context) (string, error)
}

// AgentExecutorFactory builds an executor for one leased run.
type AgentExecutorFactory func(run AgentRun) AgentExecutor

// ChatResult is what a Model Runner returns for a finished generation.
type ChatResult struct {
	Result          string
	TokensPerSecond float64
}

// ModelRunner is the external model collaborator. RunChat calls onToken once
// per streamed token and checks cancel between tokens; like executors, a
// runner may be re-invoked for the same task after a crash.
type ModelRunner interface {
	EnsureLoaded(ctx context.Context, modelID string) error
	RunChat(ctx context.Context, messages, parameters json.RawMessage, onToken func(text string), cancel *CancelFlag) (ChatResult, error)
}
