package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/events"
)

// EventLog is the durable events.Log backed by the run_events table.
type EventLog struct {
	db *DB
}

var _ events.Log = (*EventLog)(nil)

// EventLog returns the database-backed progress event log.
func (db *DB) EventLog() *EventLog {
	return &EventLog{db: db}
}

// Append implements events.Log. The (run_id, sequence) key rejects reuse.
func (l *EventLog) Append(ctx context.Context, ev events.Event) error {
	_, err := l.db.pool.Exec(ctx,
		`INSERT INTO run_events (run_id, sequence, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.RunID, ev.Sequence, string(ev.Type), []byte(ev.Payload), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event %d: %w", ev.Sequence, err)
	}
	return nil
}

// After implements events.Log.
func (l *EventLog) After(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]events.Event, error) {
	query := `SELECT run_id, sequence, type, payload, created_at
	          FROM run_events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := l.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &typ, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = events.Type(typ)
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSequence implements events.Log.
func (l *EventLog) LastSequence(ctx context.Context, runID uuid.UUID) (int64, error) {
	var last int64
	err := l.db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last, nil
}
