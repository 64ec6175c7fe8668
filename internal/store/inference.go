package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InferenceTask is a row of the inference_queue table.
type InferenceTask struct {
	ID               string
	ModelID          string
	Status           Status
	Prompt           string
	Parameters       string
	Result           sql.NullString
	BasePriority     int
	Priority         int
	EnqueueTS        int64
	LeaseID          sql.NullString
	LeaseExpiresAt   sql.NullTime
	CreatedAt        time.Time
	StartedAt        sql.NullTime
	CompletedAt      sql.NullTime
	TokensPerSecond  sql.NullFloat64
	ErrorLog         sql.NullString
}

const inferenceColumns = `id, model_id, status, prompt, parameters, result,
	base_priority, priority, enqueue_ts, lease_id, lease_expires_at,
	created_at, started_at, completed_at, tokens_per_second, error_log`

func scanInferenceTask(row interface{ Scan(...any) error }) (*InferenceTask, error) {
	var t InferenceTask
	if err := row.Scan(
		&t.ID, &t.ModelID, &t.Status, &t.Prompt, &t.Parameters, &t.Result,
		&t.BasePriority, &t.Priority, &t.EnqueueTS, &t.LeaseID, &t.LeaseExpiresAt,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.TokensPerSecond, &t.ErrorLog,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateInferenceTask inserts a new PENDING inference row.
func (s *Store) CreateInferenceTask(ctx context.Context, t *InferenceTask) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO inference_queue (id, model_id, status, prompt, parameters,
				base_priority, priority, enqueue_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.ModelID, StatusPending, t.Prompt, t.Parameters,
			t.BasePriority, t.Priority, t.EnqueueTS)
		if err != nil {
			return fmt.Errorf("insert inference task: %w", err)
		}
		return nil
	})
}

// ClaimNextInferenceTask is the inference-queue twin of ClaimNextExecution:
// one UPDATE statement, same ordering and same CANCEL_REQUESTED fast path.
func (s *Store) ClaimNextInferenceTask(ctx context.Context, leaseID string, leaseTTL time.Duration) (*InferenceTask, error) {
	var task *InferenceTask
	err := retryOnBusy(ctx, 5, func() error {
		leaseExpiry := time.Now().UTC().Add(leaseTTL)
		row := s.db.QueryRowContext(ctx, `
			UPDATE inference_queue
			SET status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
				lease_id = ?,
				lease_expires_at = ?,
				started_at = COALESCE(started_at, CURRENT_TIMESTAMP)
			WHERE id = (
				SELECT id FROM inference_queue
				WHERE status IN ('PENDING', 'CANCEL_REQUESTED') AND lease_id IS NULL
				ORDER BY priority DESC, enqueue_ts ASC
				LIMIT 1
			)
			RETURNING `+inferenceColumns+`;
		`, leaseID, leaseExpiry)

		t, err := scanInferenceTask(row)
		if err == sql.ErrNoRows {
			task = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim inference task: %w", err)
		}
		task = t
		return nil
	})
	return task, err
}

// GetInferenceTask fetches a single inference row by id.
func (s *Store) GetInferenceTask(ctx context.Context, id string) (*InferenceTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inferenceColumns+` FROM inference_queue WHERE id = ?;`, id)
	t, err := scanInferenceTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FinalizeInferenceTask transitions a RUNNING (or winding-down
// CANCEL_REQUESTED) inference task to a terminal status.
func (s *Store) FinalizeInferenceTask(ctx context.Context, id string, status Status, result, errLog sql.NullString, tokensPerSecond sql.NullFloat64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE inference_queue
			SET status = ?, result = ?, error_log = ?, tokens_per_second = ?,
				lease_id = NULL, lease_expires_at = NULL, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('RUNNING', 'CANCEL_REQUESTED');
		`, status, result, errLog, tokensPerSecond, id)
		if err != nil {
			return fmt.Errorf("finalize inference task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var cur Status
			qerr := s.db.QueryRowContext(ctx, `SELECT status FROM inference_queue WHERE id = ?;`, id).Scan(&cur)
			if qerr == sql.ErrNoRows {
				return ErrNotFound
			}
			if qerr != nil {
				return qerr
			}
			return ErrTerminal
		}
		return nil
	})
}

// RequestInferenceCancel marks an inference task CANCEL_REQUESTED; idempotent on
// already-terminal or already-requested rows.
func (s *Store) RequestInferenceCancel(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE inference_queue SET status = 'CANCEL_REQUESTED'
			WHERE id = ? AND status IN ('PENDING', 'RUNNING');
		`, id)
		if err != nil {
			return fmt.Errorf("request inference cancel: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var status Status
		err = s.db.QueryRowContext(ctx, `SELECT status FROM inference_queue WHERE id = ?;`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
}

// RecoverInferenceTasks resets every RUNNING or CANCEL_REQUESTED row to
// PENDING and clears lease fields. Runs once at startup before workers.
func (s *Store) RecoverInferenceTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_queue
		SET status = 'PENDING', lease_id = NULL, lease_expires_at = NULL
		WHERE status IN ('RUNNING', 'CANCEL_REQUESTED');
	`)
	if err != nil {
		return 0, fmt.Errorf("recover inference tasks: %w", err)
	}
	return res.RowsAffected()
}

// RequeueExpiredInferenceLeases reclaims inference rows whose lease expired
// without a heartbeat.
func (s *Store) RequeueExpiredInferenceLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_queue
		SET status = 'PENDING', lease_id = NULL, lease_expires_at = NULL
		WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at < CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue expired inference leases: %w", err)
	}
	return res.RowsAffected()
}

// HeartbeatInferenceLease extends a held lease; used by long-running model
// generations so a healthy slow stream is not reclaimed as crashed.
func (s *Store) HeartbeatInferenceLease(ctx context.Context, id, leaseID string, leaseTTL time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_queue SET lease_expires_at = ?
		WHERE id = ? AND lease_id = ? AND status IN ('RUNNING', 'CANCEL_REQUESTED');
	`, time.Now().UTC().Add(leaseTTL), id, leaseID)
	if err != nil {
		return fmt.Errorf("heartbeat inference lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AgeInferencePriorities is the inference-queue twin of AgeExecutionPriorities.
func (s *Store) AgeInferencePriorities(ctx context.Context, threshold time.Duration, boost, priorityCap int) (int64, error) {
	cutoff := time.Now().Add(-threshold).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_queue
		SET priority = MIN(priority + ?, ?)
		WHERE status = 'PENDING' AND enqueue_ts <= ? AND priority < ?;
	`, boost, priorityCap, cutoff, priorityCap)
	if err != nil {
		return 0, fmt.Errorf("age inference priorities: %w", err)
	}
	return res.RowsAffected()
}

// IsInferenceCancelRequested reports whether the task has moved to
// CANCEL_REQUESTED. The Inference Worker does not poll it: a running task
// learns of a cancel through its in-process cancel flag.
func (s *Store) IsInferenceCancelRequested(ctx context.Context, id string) (bool, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM inference_queue WHERE id = ?;`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return status == StatusCancelRequested, nil
}

// ListInferenceTasksByStatus is a small diagnostic helper listing the tasks
// in one status, highest priority first.
func (s *Store) ListInferenceTasksByStatus(ctx context.Context, status Status, limit int) ([]*InferenceTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inferenceColumns+` FROM inference_queue WHERE status = ?
		ORDER BY priority DESC, enqueue_ts ASC LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InferenceTask
	for rows.Next() {
		t, err := scanInferenceTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
