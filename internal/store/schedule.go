package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddSchedule registers a new recurring prompt for a group, due first at
// firstRun (normally the cron expression's next occurrence after now).
func (s *Store) AddSchedule(ctx context.Context, groupJID, cronExpr, prompt string, firstRun time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (group_jid, cron_expr, prompt, next_run)
		VALUES (?, ?, ?, ?);
	`, groupJID, cronExpr, prompt, firstRun.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: add schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add schedule: %w", err)
	}
	return id, nil
}

// DueSchedules returns every schedule whose next_run has passed as of now,
// ordered by next_run so the oldest-overdue schedule runs first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_jid, cron_expr, prompt, next_run, created_at
		FROM schedules WHERE next_run <= ? ORDER BY next_run ASC;
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var nextRun, createdAt string
		if err := rows.Scan(&sc.ID, &sc.GroupJID, &sc.CronExpr, &sc.Prompt, &nextRun, &createdAt); err != nil {
			return nil, fmt.Errorf("store: due schedules: scan: %w", err)
		}
		sc.NextRun, _ = time.Parse(time.RFC3339Nano, nextRun)
		sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateNextRun advances a schedule's next_run after it has fired.
func (s *Store) UpdateNextRun(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run = ? WHERE id = ?;
	`, next.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: update next run: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule permanently.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("store: delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete schedule: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
