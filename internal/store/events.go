package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NodeEvent is a row of the node_events table: the append-only log of node
// lifecycle transitions within one execution.
type NodeEvent struct {
	EventID            int64
	ExecutionID        string
	NodeID             string
	Status             string
	IntermediateOutput sql.NullString
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime
	ErrorLog           sql.NullString
}

// AppendNodeEvent records a node lifecycle transition. The Agent Worker
// calls this once per node start and once per node completion/failure so
// that GetExecution callers and the Event Hub subscribers can reconstruct
// exactly what happened inside a graph run.
func (s *Store) AppendNodeEvent(ctx context.Context, ev *NodeEvent) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO node_events (execution_id, node_id, status, intermediate_output, started_at, completed_at, error_log)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.ExecutionID, ev.NodeID, ev.Status, ev.IntermediateOutput, ev.StartedAt, ev.CompletedAt, ev.ErrorLog)
		if err != nil {
			return fmt.Errorf("append node event: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListNodeEvents returns every node event for an execution in the order
// they were recorded, used by GET /executions/{id} to show graph progress.
func (s *Store) ListNodeEvents(ctx context.Context, executionID string) ([]*NodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, execution_id, node_id, status, intermediate_output, started_at, completed_at, error_log
		FROM node_events WHERE execution_id = ? ORDER BY event_id ASC;
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeEvent
	for rows.Next() {
		var ev NodeEvent
		if err := rows.Scan(&ev.EventID, &ev.ExecutionID, &ev.NodeID, &ev.Status,
			&ev.IntermediateOutput, &ev.StartedAt, &ev.CompletedAt, &ev.ErrorLog); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
