// Package worker implements the Agent Worker and Inference Worker pools:
// long-lived goroutines that lease jobs through the Durable Store's atomic
// claim, drive the external executor/runner collaborators, stream events
// through the Event Hub, and finalize each job exactly once.
package worker

import (
	"sync"

	"github.com/basket/dispatchd/internal/executor"
)

// CancelRegistry is the process-local map of in-flight cancellation flags,
// keyed by job id. Workers register a flag for the duration of a run; the
// API layer signals it when a cancel request arrives for a job running in
// this process.
type CancelRegistry struct {
	mu sync.Mutex
	m  map[string]*executor.CancelFlag
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{m: make(map[string]*executor.CancelFlag)}
}

// Register binds a flag to jobID for the duration of a run.
func (r *CancelRegistry) Register(jobID string, flag *executor.CancelFlag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[jobID] = flag
}

// Unregister removes the binding. Safe to call for an unknown id.
func (r *CancelRegistry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, jobID)
}

// Signal sets the flag registered for jobID, if any, and reports whether a
// flag was found. A false return means the job is not running in this
// process right now: it is pending (the durable CANCEL_REQUESTED status
// covers it) or already finished.
func (r *CancelRegistry) Signal(jobID string) bool {
	r.mu.Lock()
	flag, ok := r.m[jobID]
	r.mu.Unlock()
	if ok {
		flag.Signal()
	}
	return ok
}

// Len reports how many jobs currently hold a registered flag.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
