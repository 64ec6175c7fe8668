// Package enqueue is the single entry point through which a new execution
// or inference task is admitted into a queue with a computed effective
// priority.
package enqueue

import (
	"context"
	"fmt"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/idgen"
	"github.com/basket/dispatchd/internal/priority"
	"github.com/basket/dispatchd/internal/store"
)

// Store is the subset of *store.Store the Enqueue Service needs.
type Store interface {
	CreateExecution(ctx context.Context, e *store.Execution) error
	CreateInferenceTask(ctx context.Context, t *store.InferenceTask) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
}

// Service is the Enqueue Service.
type Service struct {
	store Store
	bus   *bus.Hub
	clock func() int64
}

// New constructs a Service. clock defaults to the wall clock; tests can
// override it for deterministic enqueue_ts ordering.
func New(s Store, h *bus.Hub, clock func() int64) *Service {
	if clock == nil {
		clock = nowUnixNano
	}
	return &Service{store: s, bus: h, clock: clock}
}

// ExecutionRequest describes a request to run an agent graph.
type ExecutionRequest struct {
	AgentID           string
	Payload           string
	Source            priority.Source
	ParentExecutionID string // empty if this is not spawned by another execution
}

// EnqueueExecution admits a new execution. If ParentExecutionID is set, the
// parent's current priority is looked up and the new job's effective
// priority is at least as high as the parent's, modeling an INTERNAL_NODE
// execution spawned mid-graph.
func (s *Service) EnqueueExecution(ctx context.Context, req ExecutionRequest) (string, error) {
	var parentPriority *int
	if req.ParentExecutionID != "" {
		parent, err := s.store.GetExecution(ctx, req.ParentExecutionID)
		if err != nil {
			return "", fmt.Errorf("look up parent execution %s: %w", req.ParentExecutionID, err)
		}
		p := parent.Priority
		parentPriority = &p
	}

	id := idgen.New()
	base := priority.BaseFor(req.Source)
	effective := priority.Effective(req.Source, parentPriority)

	exec := &store.Execution{
		ID:                id,
		AgentID:           req.AgentID,
		Payload:           req.Payload,
		BasePriority:      base,
		Priority:          effective,
		EnqueueTS:         s.clock(),
		ParentExecutionID: nullStringFrom(req.ParentExecutionID),
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Channel: bus.ExecutionChannel(id),
			Kind:    "enqueued",
			Data:    map[string]any{"execution_id": id, "priority": effective},
		})
	}
	return id, nil
}

// InferenceRequest describes a request to run a model generation.
type InferenceRequest struct {
	ModelID    string
	Prompt     string
	Parameters string
	Source     priority.Source
}

// EnqueueInference admits a new inference task. Inference requests have no
// parent-inheritance path: every inference task's priority is exactly its
// source's base.
func (s *Service) EnqueueInference(ctx context.Context, req InferenceRequest) (string, error) {
	id := idgen.New()
	base := priority.BaseFor(req.Source)

	task := &store.InferenceTask{
		ID:           id,
		ModelID:      req.ModelID,
		Prompt:       req.Prompt,
		Parameters:   req.Parameters,
		BasePriority: base,
		Priority:     base,
		EnqueueTS:    s.clock(),
	}
	if err := s.store.CreateInferenceTask(ctx, task); err != nil {
		return "", fmt.Errorf("create inference task: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Channel: bus.InferenceChannel(id),
			Kind:    "enqueued",
			Data:    map[string]any{"task_id": id, "priority": base},
		})
	}
	return id, nil
}

