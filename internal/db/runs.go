package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
)

var _ runstate.Store = (*DB)(nil)

const runColumns = `id, config, phase, discovered, scored, generated, outreach_ready,
	outcome, started_at, ended_at, updated_at`

func scanRun(row pgx.Row) (*types.Run, error) {
	var (
		run     types.Run
		config  []byte
		phase   string
		outcome string
	)
	err := row.Scan(&run.ID, &config, &phase,
		&run.Counters.Discovered, &run.Counters.Scored, &run.Counters.Generated, &run.Counters.OutreachReady,
		&outcome, &run.StartedAt, &run.EndedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(config, &run.Config); err != nil {
		return nil, err
	}
	run.Phase = types.Phase(phase)
	run.Outcome = types.Outcome(outcome)
	return &run, nil
}

// CreateRun inserts a new run record
func (db *DB) CreateRun(ctx context.Context, run *types.Run) error {
	config, err := marshalJSON(run.Config)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, config, phase, discovered, scored, generated, outreach_ready,
		                   outcome, started_at, ended_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, config, string(run.Phase),
		run.Counters.Discovered, run.Counters.Scored, run.Counters.Generated, run.Counters.OutreachReady,
		string(run.Outcome), run.StartedAt, run.EndedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its error log by ID
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Errors, err = db.listRunErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns retrieves recent runs, newest first. Error logs are not loaded.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunPhase moves a run to phase if its phase order permits it.
func (db *DB) UpdateRunPhase(ctx context.Context, id uuid.UUID, phase types.Phase) error {
	return db.withRunLock(ctx, id, func(tx pgx.Tx, current types.Phase) error {
		if err := runstate.ValidatePhaseChange(id, current, phase); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE runs SET phase = $2, updated_at = NOW() WHERE id = $1`,
			id, string(phase))
		return err
	})
}

// FinishRun records a run's terminal phase and outcome.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, phase types.Phase, outcome types.Outcome, endedAt time.Time) error {
	return db.withRunLock(ctx, id, func(tx pgx.Tx, current types.Phase) error {
		if err := runstate.ValidatePhaseChange(id, current, phase); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE runs SET phase = $2, outcome = $3, ended_at = $4, updated_at = $4 WHERE id = $1`,
			id, string(phase), string(outcome), endedAt)
		return err
	})
}

// withRunLock runs fn in a transaction holding the run's row lock.
func (db *DB) withRunLock(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, current types.Phase) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var phase string
	err = tx.QueryRow(ctx, `SELECT phase FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&phase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &types.NotFoundError{Resource: "run", ID: id.String()}
		}
		return fmt.Errorf("failed to lock run: %w", err)
	}
	if err := fn(tx, types.Phase(phase)); err != nil {
		var pe *runstate.PhaseError
		if errors.As(err, &pe) {
			return err
		}
		return fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run update: %w", err)
	}
	return nil
}

// UpdateCounters merges c into the stored counters. GREATEST keeps every
// counter monotonic regardless of writer order.
func (db *DB) UpdateCounters(ctx context.Context, id uuid.UUID, c types.Counters) (types.Counters, error) {
	var out types.Counters
	err := db.pool.QueryRow(ctx,
		`UPDATE runs SET
		     discovered = GREATEST(discovered, $2),
		     scored = GREATEST(scored, $3),
		     generated = GREATEST(generated, $4),
		     outreach_ready = GREATEST(outreach_ready, $5),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING discovered, scored, generated, outreach_ready`,
		id, c.Discovered, c.Scored, c.Generated, c.OutreachReady,
	).Scan(&out.Discovered, &out.Scored, &out.Generated, &out.OutreachReady)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Counters{}, &types.NotFoundError{Resource: "run", ID: id.String()}
		}
		return types.Counters{}, fmt.Errorf("failed to update counters: %w", err)
	}
	return out, nil
}

// AppendRunError appends to a run's error log
func (db *DB) AppendRunError(ctx context.Context, id uuid.UUID, e types.RunError) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO run_errors (run_id, occurred_at, phase, entity_id, kind, message, retryable)
		 SELECT $1, $2, $3, $4, $5, $6, $7 WHERE EXISTS (SELECT 1 FROM runs WHERE id = $1)`,
		id, e.Timestamp, string(e.Phase), e.EntityID, e.Kind, e.Message, e.Retryable,
	)
	if err != nil {
		return fmt.Errorf("failed to append run error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	return nil
}

func (db *DB) listRunErrors(ctx context.Context, id uuid.UUID) ([]types.RunError, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT occurred_at, phase, entity_id, kind, message, retryable
		 FROM run_errors WHERE run_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list run errors: %w", err)
	}
	defer rows.Close()

	var out []types.RunError
	for rows.Next() {
		var (
			e     types.RunError
			phase string
		)
		if err := rows.Scan(&e.Timestamp, &phase, &e.EntityID, &e.Kind, &e.Message, &e.Retryable); err != nil {
			return nil, fmt.Errorf("failed to scan run error: %w", err)
		}
		e.Phase = types.Phase(phase)
		out = append(out, e)
	}
	return out, rows.Err()
}
