package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Execution is a row of the executions table.
type Execution struct {
	ID                string
	AgentID           string
	Status            Status
	ParentExecutionID sql.NullString
	Payload           string
	FinalResult       sql.NullString
	BasePriority      int
	Priority          int
	EnqueueTS         int64
	LeaseID           sql.NullString
	LeaseExpiresAt    sql.NullTime
	CreatedAt         time.Time
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
	ErrorLog          sql.NullString
}

const executionColumns = `id, agent_id, status, parent_execution_id, payload, final_result,
	base_priority, priority, enqueue_ts, lease_id, lease_expires_at,
	created_at, started_at, completed_at, error_log`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	if err := row.Scan(
		&e.ID, &e.AgentID, &e.Status, &e.ParentExecutionID, &e.Payload, &e.FinalResult,
		&e.BasePriority, &e.Priority, &e.EnqueueTS, &e.LeaseID, &e.LeaseExpiresAt,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.ErrorLog,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExecution inserts a new PENDING execution row and its initial
// node_events entry for nodeID "root" (the synthetic node marking enqueue)
// in a single transaction.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (id, agent_id, status, parent_execution_id, payload,
				base_priority, priority, enqueue_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.AgentID, StatusPending, e.ParentExecutionID, e.Payload,
			e.BasePriority, e.Priority, e.EnqueueTS)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO node_events (execution_id, node_id, status)
			VALUES (?, 'root', 'ENQUEUED');
		`, e.ID)
		if err != nil {
			return fmt.Errorf("insert enqueue node event: %w", err)
		}
		return tx.Commit()
	})
}

// ClaimNextExecution is the atomic lease primitive: a
// single UPDATE statement, guarded by a correlated subquery that orders by
// priority then enqueue_ts, so two workers racing on the same row can never
// both win it. Rows already flagged CANCEL_REQUESTED before ever being
// leased are claimed too (lease fields attached, status left untouched) so
// the caller can fast-path them straight to CANCELED without invoking an
// executor.
func (s *Store) ClaimNextExecution(ctx context.Context, leaseID string, leaseTTL time.Duration) (*Execution, error) {
	var exec *Execution
	err := retryOnBusy(ctx, 5, func() error {
		leaseExpiry := time.Now().UTC().Add(leaseTTL)
		row := s.db.QueryRowContext(ctx, `
			UPDATE executions
			SET status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
				lease_id = ?,
				lease_expires_at = ?,
				started_at = COALESCE(started_at, CURRENT_TIMESTAMP)
			WHERE id = (
				SELECT id FROM executions
				WHERE status IN ('PENDING', 'CANCEL_REQUESTED') AND lease_id IS NULL
				ORDER BY priority DESC, enqueue_ts ASC
				LIMIT 1
			)
			RETURNING `+executionColumns+`;
		`, leaseID, leaseExpiry)

		e, err := scanExecution(row)
		if err == sql.ErrNoRows {
			exec = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim execution: %w", err)
		}
		exec = e
		return nil
	})
	return exec, err
}

// GetExecution fetches a single execution row by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FinalizeExecution transitions a RUNNING (or winding-down CANCEL_REQUESTED)
// execution to a terminal status, clearing its lease and recording the
// result or error. It is a no-op error (ErrTerminal) if the row already
// reached a terminal state: finalization happens at most once per row.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status Status, result, errLog sql.NullString) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, final_result = ?, error_log = ?, lease_id = NULL,
				lease_expires_at = NULL, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('RUNNING', 'CANCEL_REQUESTED');
		`, status, result, errLog, id)
		if err != nil {
			return fmt.Errorf("finalize execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.checkFinalizeNoop(ctx, id)
		}
		return nil
	})
}

func (s *Store) checkFinalizeNoop(ctx context.Context, id string) error {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?;`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminal
}

// RequestCancel marks an execution CANCEL_REQUESTED. It is a no-op success
// if the row is already terminal or already CANCEL_REQUESTED: cancel
// requests are idempotent.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions SET status = 'CANCEL_REQUESTED'
			WHERE id = ? AND status IN ('PENDING', 'RUNNING');
		`, id)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var status Status
		err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?;`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
}

// RecoverExecutions resets every RUNNING or CANCEL_REQUESTED row to PENDING
// and clears lease fields. It must run once at startup before any worker
// begins claiming.
func (s *Store) RecoverExecutions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'PENDING', lease_id = NULL, lease_expires_at = NULL
		WHERE status IN ('RUNNING', 'CANCEL_REQUESTED');
	`)
	if err != nil {
		return 0, fmt.Errorf("recover executions: %w", err)
	}
	return res.RowsAffected()
}

// RequeueExpiredExecutionLeases reclaims rows whose lease_expires_at has
// passed without a heartbeat, returning them to PENDING so another worker
// can pick them up.
func (s *Store) RequeueExpiredExecutionLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'PENDING', lease_id = NULL, lease_expires_at = NULL
		WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at < CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue expired execution leases: %w", err)
	}
	return res.RowsAffected()
}

// HeartbeatExecutionLease extends a held lease, proving the worker is still
// alive. Returns ErrNotFound if the lease_id no longer matches (another
// worker has already reclaimed the row as expired).
func (s *Store) HeartbeatExecutionLease(ctx context.Context, id, leaseID string, leaseTTL time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_expires_at = ?
		WHERE id = ? AND lease_id = ? AND status IN ('RUNNING', 'CANCEL_REQUESTED');
	`, time.Now().UTC().Add(leaseTTL), id, leaseID)
	if err != nil {
		return fmt.Errorf("heartbeat execution lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AgeExecutionPriorities raises the priority of every PENDING execution that
// has waited longer than threshold, bounded by cap, in one UPDATE statement.
func (s *Store) AgeExecutionPriorities(ctx context.Context, threshold time.Duration, boost, priorityCap int) (int64, error) {
	cutoff := time.Now().Add(-threshold).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET priority = MIN(priority + ?, ?)
		WHERE status = 'PENDING' AND enqueue_ts <= ? AND priority < ?;
	`, boost, priorityCap, cutoff, priorityCap)
	if err != nil {
		return 0, fmt.Errorf("age execution priorities: %w", err)
	}
	return res.RowsAffected()
}

// IsExecutionCancelRequested reports whether the row's status has moved to
// CANCEL_REQUESTED. The Agent Worker does not poll it: a running execution
// learns of a cancel through its in-process cancel flag.
func (s *Store) IsExecutionCancelRequested(ctx context.Context, id string) (bool, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?;`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return status == StatusCancelRequested, nil
}

// ListExecutionsByStatus is a small diagnostic helper used by tests.
func (s *Store) ListExecutionsByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE status = ?
		ORDER BY priority DESC, enqueue_ts ASC LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
