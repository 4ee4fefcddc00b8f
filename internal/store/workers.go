package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskhub/internal/model"
)

// UpsertWorkerHeartbeat registers a worker (or refreshes its heartbeat and
// status). Called at the top of every Worker loop iteration.
func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, workerID, hostname string, pid int, status model.WorkerStatus, runID *string) error {
	_, err := s.db.ExecContext(ctx, rebind(`
		INSERT INTO workers (worker_id, hostname, pid, status, run_id, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			run_id = excluded.run_id,
			last_heartbeat = excluded.last_heartbeat`),
		workerID, hostname, pid, status, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert_worker_heartbeat: %w", err)
	}
	return nil
}

// ListWorkers returns the current registry snapshot.
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, rebind(`
		SELECT worker_id, hostname, pid, status, run_id, last_heartbeat FROM workers
		ORDER BY worker_id ASC`))
	if err != nil {
		return nil, fmt.Errorf("list_workers: %w", err)
	}
	defer rows.Close()

	var out []*model.Worker
	for rows.Next() {
		var w model.Worker
		var status string
		var runID sql.NullString
		if err := rows.Scan(&w.WorkerID, &w.Hostname, &w.PID, &status, &runID, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("list_workers: scan: %w", err)
		}
		w.Status = model.WorkerStatus(status)
		if runID.Valid {
			w.RunID = &runID.String
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// PruneStaleWorkers removes registry rows whose last_heartbeat is older
// than olderThan. Purely cosmetic; affects API reporting only.
func (s *Store) PruneStaleWorkers(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, rebind(`DELETE FROM workers WHERE last_heartbeat < $1`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune_stale_workers: %w", err)
	}
	return res.RowsAffected()
}
