package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schedule is a cron-triggered job template: when it comes due, the trigger
// scheduler enqueues a job into the named queue with source TRIGGER.
type Schedule struct {
	ID         string
	Name       string
	CronExpr   string
	Queue      string // "execution" or "inference"
	AgentID    sql.NullString
	ModelID    sql.NullString
	Payload    string
	Parameters string
	Enabled    bool
	NextRunAt  sql.NullTime
	LastRunAt  sql.NullTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const scheduleColumns = `id, name, cron_expr, queue, agent_id, model_id, payload, parameters,
	enabled, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	var enabled int
	if err := row.Scan(
		&sc.ID, &sc.Name, &sc.CronExpr, &sc.Queue, &sc.AgentID, &sc.ModelID,
		&sc.Payload, &sc.Parameters, &enabled, &sc.NextRunAt, &sc.LastRunAt,
		&sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	return &sc, nil
}

// UpsertSchedule inserts a schedule or, when a schedule with the same name
// already exists, updates its expression and payload in place. last_run_at
// survives an upsert; next_run_at is replaced with the value in sc.
func (s *Store) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, queue, agent_id, model_id, payload, parameters, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				cron_expr = excluded.cron_expr,
				queue = excluded.queue,
				agent_id = excluded.agent_id,
				model_id = excluded.model_id,
				payload = excluded.payload,
				parameters = excluded.parameters,
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at,
				updated_at = CURRENT_TIMESTAMP;
		`, sc.ID, sc.Name, sc.CronExpr, sc.Queue, sc.AgentID, sc.ModelID,
			sc.Payload, sc.Parameters, boolToInt(sc.Enabled), sc.NextRunAt)
		if err != nil {
			return fmt.Errorf("upsert schedule %q: %w", sc.Name, err)
		}
		return nil
	})
}

// DeleteSchedulesExcept removes every schedule whose name is not in keep,
// used when a config reload drops schedules. An empty keep list removes all.
func (s *Store) DeleteSchedulesExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules;`)
		if err != nil {
			return 0, fmt.Errorf("delete schedules: %w", err)
		}
		return res.RowsAffected()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, name := range keep {
		args[i] = name
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name NOT IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete stale schedules: %w", err)
	}
	return res.RowsAffected()
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a firing: last_run_at moves to now and
// next_run_at to the next cron occurrence.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, lastRun.UTC(), nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("update schedule run: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
