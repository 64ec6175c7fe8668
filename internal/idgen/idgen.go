// Package idgen generates the time-ordered identifiers used for execution
// and inference-task ids: dispatch among jobs of equal priority is FIFO by
// enqueue_ts, and a creation-time-sortable id keeps logs, traces, and ad-hoc
// queries intuitive without a join back to enqueue_ts.
package idgen

import "github.com/google/uuid"

// New returns a new time-ordered, globally unique identifier (UUIDv7).
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the runtime's random source is broken; fall back
		// to a random v4 rather than panic a worker loop over an id collision risk.
		return uuid.NewString()
	}
	return id.String()
}
