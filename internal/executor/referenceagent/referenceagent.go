// Package referenceagent is a concrete Agent Executor used by tests and
// local development: it runs a small sequential node graph against the node
// registry. It plays the same fixture role for the worker pools that a
// trivial echo processor plays for a task engine; production deployments
// swap in their own AgentExecutorFactory.
package referenceagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/dispatchd/internal/executor"
)

// payload is the wire shape this executor understands: an opaque input blob
// and an ordered list of registered node names to pipe it through.
type payload struct {
	Input json.RawMessage `json:"input"`
	Nodes []string        `json:"nodes"`
}

type graphExecutor struct {
	run executor.AgentRun
}

// Factory returns an AgentExecutorFactory producing sequential graph
// executors.
func Factory() executor.AgentExecutorFactory {
	return func(run executor.AgentRun) executor.AgentExecutor {
		return &graphExecutor{run: run}
	}
}

// RunGraph pipes the payload's input through each named node in order. The
// cancellation flag is checked before every node; a set flag stops the run
// with ErrCanceled. Node transitions are reported through the emitter.
func (g *graphExecutor) RunGraph(ctx context.Context) (string, error) {
	var p payload
	if err := json.Unmarshal([]byte(g.run.Execution.Payload), &p); err != nil {
		return "", fmt.Errorf("parse execution payload: %w", err)
	}
	if len(p.Input) == 0 {
		p.Input = json.RawMessage(`null`)
	}
	// A payload without an explicit node list falls back to the agent's
	// configured graph, so API callers only supply input.
	if len(p.Nodes) == 0 && len(g.run.AgentConfig) > 0 {
		var cfg struct {
			Nodes []string `json:"nodes"`
		}
		if err := json.Unmarshal(g.run.AgentConfig, &cfg); err == nil {
			p.Nodes = cfg.Nodes
		}
	}

	current := p.Input
	for _, name := range p.Nodes {
		if g.run.Cancel.Signaled() {
			return "", executor.ErrCanceled
		}
		if err := ctx.Err(); err != nil {
			return "", executor.ErrCanceled
		}

		fn, ok := g.run.Registry.Lookup(name)
		if !ok {
			g.emit(executor.NodeUpdate{NodeID: name, Status: "failed", Err: "node not registered"})
			return "", fmt.Errorf("node %q not registered", name)
		}

		g.emit(executor.NodeUpdate{NodeID: name, Status: "started"})
		out, err := fn(ctx, current)
		if err != nil {
			g.emit(executor.NodeUpdate{NodeID: name, Status: "failed", Err: err.Error()})
			return "", fmt.Errorf("node %q: %w", name, err)
		}
		g.emit(executor.NodeUpdate{NodeID: name, Status: "completed", Output: string(out)})
		current = out
	}

	if g.run.Cancel.Signaled() {
		return "", executor.ErrCanceled
	}
	return string(current), nil
}

func (g *graphExecutor) emit(u executor.NodeUpdate) {
	if g.run.Emit != nil {
		g.run.Emit(u)
	}
}
