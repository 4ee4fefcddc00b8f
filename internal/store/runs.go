package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/idgen"
	"taskhub/internal/model"
	"taskhub/internal/taskhuberr"
)

// EnqueueRun inserts a QUEUED run for task_id, validating against the
// registry snapshot the caller supplies.
func (s *Store) EnqueueRun(ctx context.Context, tasks map[string]*model.Task, taskID string, params json.RawMessage, cronID *string) (string, error) {
	task, ok := tasks[taskID]
	if !ok {
		return "", taskhuberr.ErrUnknownTask
	}
	if !task.IsEnabled {
		return "", taskhuberr.ErrDisabled
	}
	if params == nil {
		params = json.RawMessage(`{}`)
	}

	runID := idgen.RunID()
	query := rebind(`INSERT INTO runs (run_id, task_id, params, status, created_at, cron_id)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	_, err := s.db.ExecContext(ctx, query, runID, taskID, string(params), model.RunStatusQueued, time.Now().UTC(), cronID)
	if err != nil {
		return "", fmt.Errorf("enqueue_run: %w", err)
	}
	return runID, nil
}

// ClaimNext atomically hands one claimable QUEUED run to worker_id, honoring
// each task's concurrency_limit and FIFO tie-break.
// Returns (nil, nil) when there is nothing to claim.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration, tasks map[string]*model.Task) (*model.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim_next: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, rebind(`
		SELECT run_id, task_id FROM runs
		WHERE status = $1
		ORDER BY created_at ASC, run_id ASC`), model.RunStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim_next: list queued: %w", err)
	}

	type candidate struct{ runID, taskID string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.taskID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim_next: scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim_next: %w", err)
	}

	for _, c := range candidates {
		task, ok := tasks[c.taskID]
		if !ok || !task.IsEnabled {
			continue
		}
		if task.HasConcurrencyLimit() {
			var running int
			err := tx.QueryRowContext(ctx, rebind(`SELECT COUNT(*) FROM runs WHERE task_id = $1 AND status = $2`),
				c.taskID, model.RunStatusRunning).Scan(&running)
			if err != nil {
				return nil, fmt.Errorf("claim_next: count running: %w", err)
			}
			if running >= task.ConcurrencyLimit {
				continue
			}
		}

		now := time.Now().UTC()
		leaseExpiry := now.Add(leaseDuration)
		res, err := tx.ExecContext(ctx, rebind(`
			UPDATE runs SET status = $1, started_at = $2, lease_owner = $3, lease_expires_at = $4
			WHERE run_id = $5 AND status = $6`),
			model.RunStatusRunning, now, workerID, leaseExpiry, c.runID, model.RunStatusQueued)
		if err != nil {
			return nil, fmt.Errorf("claim_next: update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim_next: rows affected: %w", err)
		}
		if n == 0 {
			// Raced with another claimant somehow winning first within the
			// same transaction scan; try the next candidate.
			continue
		}

		run, err := s.getRunTx(ctx, tx, c.runID)
		if err != nil {
			return nil, fmt.Errorf("claim_next: reload: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("claim_next: commit: %w", err)
		}
		return run, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim_next: commit: %w", err)
	}
	return nil, nil
}

// RenewLease extends lease_expires_at iff worker_id still owns the run and
// it is RUNNING; otherwise returns taskhuberr.ErrLostLease.
func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) error {
	newExpiry := time.Now().UTC().Add(leaseDuration)
	res, err := s.db.ExecContext(ctx, rebind(`
		UPDATE runs SET lease_expires_at = $1
		WHERE run_id = $2 AND lease_owner = $3 AND status = $4`),
		newExpiry, runID, workerID, model.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("renew_lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew_lease: %w", err)
	}
	if n == 0 {
		return taskhuberr.ErrLostLease
	}
	return nil
}

// SetPGID records the child's process-group id, validating lease ownership.
func (s *Store) SetPGID(ctx context.Context, runID, workerID string, pgid int) error {
	res, err := s.db.ExecContext(ctx, rebind(`
		UPDATE runs SET pgid = $1
		WHERE run_id = $2 AND lease_owner = $3 AND status = $4`),
		pgid, runID, workerID, model.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("set_pgid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set_pgid: %w", err)
	}
	if n == 0 {
		return taskhuberr.ErrLostLease
	}
	return nil
}

// FinishRun atomically moves RUNNING→terminal, validating lease ownership.
func (s *Store) FinishRun(ctx context.Context, runID, workerID string, status model.RunStatus, exitCode *int, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish_run: %q is not a terminal status", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, rebind(`
		UPDATE runs SET status = $1, finished_at = $2, exit_code = $3, error = $4,
			lease_owner = NULL, lease_expires_at = NULL, pgid = NULL
		WHERE run_id = $5 AND lease_owner = $6 AND status = $7`),
		status, now, exitCode, errMsg, runID, workerID, model.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("finish_run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish_run: %w", err)
	}
	if n == 0 {
		return taskhuberr.ErrLostLease
	}
	return nil
}

// RequestCancel sets cancel_requested. A QUEUED run transitions directly to
// CANCELED; a RUNNING run only has its flag set for the owning Worker to
// observe and escalate.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("request_cancel: begin: %w", err)
	}
	defer tx.Rollback()

	run, err := s.getRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return taskhuberr.ErrRunNotFound
	}

	switch run.Status {
	case model.RunStatusQueued:
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, rebind(`
			UPDATE runs SET status = $1, cancel_requested = 1, finished_at = $2
			WHERE run_id = $3 AND status = $4`),
			model.RunStatusCanceled, now, runID, model.RunStatusQueued)
		if err != nil {
			return fmt.Errorf("request_cancel: %w", err)
		}
	case model.RunStatusRunning:
		_, err := tx.ExecContext(ctx, rebind(`UPDATE runs SET cancel_requested = 1 WHERE run_id = $1`), runID)
		if err != nil {
			return fmt.Errorf("request_cancel: %w", err)
		}
	default:
		return taskhuberr.ErrNotClaimable
	}
	return tx.Commit()
}

// ReapedRun is one row returned by ReapExpired.
type ReapedRun struct {
	RunID      string
	PGID       *int
	LeaseOwner string
}

// ReapExpired lists RUNNING runs whose lease has expired, without mutating
// them; the Reaper signals their process groups, then calls AbandonRun.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]ReapedRun, error) {
	rows, err := s.db.QueryContext(ctx, rebind(`
		SELECT run_id, pgid, lease_owner FROM runs
		WHERE status = $1 AND lease_expires_at < $2`), model.RunStatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("reap_expired: %w", err)
	}
	defer rows.Close()

	var out []ReapedRun
	for rows.Next() {
		var r ReapedRun
		var pgid sql.NullInt64
		var owner sql.NullString
		if err := rows.Scan(&r.RunID, &pgid, &owner); err != nil {
			return nil, fmt.Errorf("reap_expired: scan: %w", err)
		}
		if pgid.Valid {
			v := int(pgid.Int64)
			r.PGID = &v
		}
		r.LeaseOwner = owner.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// AbandonRun transitions a reaped run to FAILED, only if its lease is still
// (or newly) expired at transaction time, guaranteeing the Reaper never
// clobbers a run whose owner renewed in the meantime.
func (s *Store) AbandonRun(ctx context.Context, runID, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, rebind(`
		UPDATE runs SET status = $1, finished_at = $2, error = $3,
			lease_owner = NULL, lease_expires_at = NULL, pgid = NULL
		WHERE run_id = $4 AND status = $5 AND lease_expires_at < $6`),
		model.RunStatusFailed, now, reason, runID, model.RunStatusRunning, now)
	if err != nil {
		return fmt.Errorf("abandon_run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("abandon_run: %w", err)
	}
	if n == 0 {
		return errors.New("abandon_run: run no longer eligible (lease renewed or already terminal)")
	}
	return nil
}

// GetRun loads a single run by id, or (nil, nil) if it doesn't exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, rebind(runSelectColumns+` FROM runs WHERE run_id = $1`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// getRunTx is GetRun scoped to an in-flight transaction.
func (s *Store) getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*model.Run, error) {
	row := tx.QueryRowContext(ctx, rebind(runSelectColumns+` FROM runs WHERE run_id = $1`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns run summaries filtered by task_id/status (either may be
// empty to mean "any"), most recent first, capped at limit.
func (s *Store) ListRuns(ctx context.Context, taskID string, status model.RunStatus, limit int) ([]*model.Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := runSelectColumns + ` FROM runs WHERE 1=1`
	var args []interface{}
	n := 1
	if taskID != "" {
		query += fmt.Sprintf(" AND task_id = $%d", n)
		args = append(args, taskID)
		n++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, status)
		n++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list_runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list_runs: scan: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const runSelectColumns = `SELECT run_id, task_id, params, status, created_at, started_at, finished_at,
	exit_code, error, lease_owner, lease_expires_at, pgid, cancel_requested, cron_id`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*model.Run, error) {
	var r model.Run
	var params string
	var status string
	var startedAt, finishedAt, leaseExpiresAt sql.NullTime
	var exitCode sql.NullInt64
	var errStr, leaseOwner, cronID sql.NullString
	var pgid sql.NullInt64
	var cancelRequested int

	err := sc.Scan(&r.RunID, &r.TaskID, &params, &status, &r.CreatedAt, &startedAt, &finishedAt,
		&exitCode, &errStr, &leaseOwner, &leaseExpiresAt, &pgid, &cancelRequested, &cronID)
	if err != nil {
		return nil, err
	}

	r.Params = json.RawMessage(params)
	r.Status = model.RunStatus(status)
	r.CancelRequested = cancelRequested != 0
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if leaseExpiresAt.Valid {
		r.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if errStr.Valid {
		r.Error = &errStr.String
	}
	if leaseOwner.Valid {
		r.LeaseOwner = &leaseOwner.String
	}
	if pgid.Valid {
		v := int(pgid.Int64)
		r.PGID = &v
	}
	if cronID.Valid {
		r.CronID = &cronID.String
	}
	return &r, nil
}
