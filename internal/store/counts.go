package store

import (
	"context"
	"fmt"
)

// QueueCounts is a per-status snapshot of one queue, served by the admin
// health and metrics endpoints.
type QueueCounts struct {
	Pending         int64
	Running         int64
	CancelRequested int64
	Completed       int64
	Failed          int64
	Canceled        int64
}

func (s *Store) countsFor(ctx context.Context, table string) (QueueCounts, error) {
	var c QueueCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status;`)
	if err != nil {
		return c, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusRunning:
			c.Running = n
		case StatusCancelRequested:
			c.CancelRequested = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		case StatusCanceled:
			c.Canceled = n
		}
	}
	return c, rows.Err()
}

// ExecutionCounts returns the per-status counts of the executions table.
func (s *Store) ExecutionCounts(ctx context.Context) (QueueCounts, error) {
	return s.countsFor(ctx, "executions")
}

// InferenceCounts returns the per-status counts of the inference_queue table.
func (s *Store) InferenceCounts(ctx context.Context) (QueueCounts, error) {
	return s.countsFor(ctx, "inference_queue")
}

// SQLiteVersion reports the linked SQLite library version, exposed on the
// health endpoint.
func (s *Store) SQLiteVersion(ctx context.Context) (string, error) {
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT sqlite_version();`).Scan(&v); err != nil {
		return "", fmt.Errorf("sqlite version: %w", err)
	}
	return v, nil
}
