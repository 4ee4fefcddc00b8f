package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskhub/internal/idgen"
	"taskhub/internal/model"
)

// CreateCronEntry stores a new schedule and returns its id.
func (s *Store) CreateCronEntry(ctx context.Context, taskID, expression string, params json.RawMessage, name string, nextRunAt time.Time) (string, error) {
	if params == nil {
		params = json.RawMessage(`{}`)
	}
	cronID := idgen.CronID()
	_, err := s.db.ExecContext(ctx, rebind(`
		INSERT INTO cron_entries (cron_id, task_id, cron_expression, params, name, is_enabled, next_run_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)`),
		cronID, taskID, expression, string(params), name, nextRunAt)
	if err != nil {
		return "", fmt.Errorf("create_cron_entry: %w", err)
	}
	return cronID, nil
}

// DeleteCronEntry removes a schedule; it does not touch runs it already produced.
func (s *Store) DeleteCronEntry(ctx context.Context, cronID string) error {
	_, err := s.db.ExecContext(ctx, rebind(`DELETE FROM cron_entries WHERE cron_id = $1`), cronID)
	if err != nil {
		return fmt.Errorf("delete_cron_entry: %w", err)
	}
	return nil
}

// GetCronEntry loads a single schedule, or (nil, nil) if absent.
func (s *Store) GetCronEntry(ctx context.Context, cronID string) (*model.CronEntry, error) {
	row := s.db.QueryRowContext(ctx, rebind(cronSelectColumns+` FROM cron_entries WHERE cron_id = $1`), cronID)
	e, err := scanCronEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListCronEntries returns every schedule, enabled or not.
func (s *Store) ListCronEntries(ctx context.Context) ([]*model.CronEntry, error) {
	rows, err := s.db.QueryContext(ctx, rebind(cronSelectColumns+` FROM cron_entries ORDER BY cron_id ASC`))
	if err != nil {
		return nil, fmt.Errorf("list_cron_entries: %w", err)
	}
	defer rows.Close()

	var out []*model.CronEntry
	for rows.Next() {
		e, err := scanCronEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list_cron_entries: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PollDueCron selects enabled entries with next_run_at <= now. The caller
// enqueues a run per entry, then calls AdvanceCron.
func (s *Store) PollDueCron(ctx context.Context, now time.Time) ([]*model.CronEntry, error) {
	rows, err := s.db.QueryContext(ctx, rebind(cronSelectColumns+`
		FROM cron_entries WHERE is_enabled = 1 AND next_run_at <= $1
		ORDER BY cron_id ASC`), now)
	if err != nil {
		return nil, fmt.Errorf("poll_due_cron: %w", err)
	}
	defer rows.Close()

	var out []*model.CronEntry
	for rows.Next() {
		e, err := scanCronEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("poll_due_cron: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdvanceCron records that an entry just fired and stores its next fire time.
func (s *Store) AdvanceCron(ctx context.Context, cronID string, lastRunAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx, rebind(`
		UPDATE cron_entries SET last_run_at = $1, next_run_at = $2 WHERE cron_id = $3`),
		lastRunAt, nextRunAt, cronID)
	if err != nil {
		return fmt.Errorf("advance_cron: %w", err)
	}
	return nil
}

const cronSelectColumns = `SELECT cron_id, task_id, cron_expression, params, name, is_enabled, next_run_at, last_run_at`

func scanCronEntry(sc scanner) (*model.CronEntry, error) {
	var e model.CronEntry
	var params string
	var isEnabled int
	var lastRunAt sql.NullTime

	err := sc.Scan(&e.CronID, &e.TaskID, &e.CronExpression, &params, &e.Name, &isEnabled, &e.NextRunAt, &lastRunAt)
	if err != nil {
		return nil, err
	}
	e.Params = json.RawMessage(params)
	e.IsEnabled = isEnabled != 0
	if lastRunAt.Valid {
		e.LastRunAt = &lastRunAt.Time
	}
	return &e, nil
}
