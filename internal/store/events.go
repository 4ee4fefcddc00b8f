package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskhub/internal/model"
)

// AppendEvent appends an event with the next seq for run_id. Pure append;
// callers typically hold the run's lease but this does not check it.
func (s *Store) AppendEvent(ctx context.Context, runID, eventType string, data json.RawMessage) (int, error) {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append_event: begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx, rebind(`SELECT MAX(seq) FROM events WHERE run_id = $1`), runID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("append_event: max seq: %w", err)
	}
	seq := 1
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, rebind(`INSERT INTO events (run_id, seq, type, ts, data) VALUES ($1, $2, $3, $4, $5)`),
		runID, seq, eventType, time.Now().UTC(), string(data))
	if err != nil {
		return 0, fmt.Errorf("append_event: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append_event: commit: %w", err)
	}
	return seq, nil
}

// ListEvents reads contiguous events with seq > afterSeq, ordered by seq,
// up to limit. The returned cursor is the last seq in the page (or
// afterSeq unchanged if no events were returned).
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq, limit int) ([]*model.Event, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, rebind(`
		SELECT run_id, seq, type, ts, data FROM events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`), runID, afterSeq, limit)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("list_events: %w", err)
	}
	defer rows.Close()

	cursor := afterSeq
	var events []*model.Event
	for rows.Next() {
		var e model.Event
		var data string
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &e.Timestamp, &data); err != nil {
			return nil, cursor, fmt.Errorf("list_events: scan: %w", err)
		}
		e.Data = json.RawMessage(data)
		events = append(events, &e)
		cursor = e.Seq
	}
	return events, cursor, rows.Err()
}
