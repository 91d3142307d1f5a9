package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/leadflow/internal/types"
)

const entityColumns = `id, run_id, external_id, name, address, website, category, contact,
	campaign_id, score, generated, outcomes, last_error, created_at`

func scanEntity(row pgx.Row) (*types.Entity, error) {
	var (
		e                                   types.Entity
		contact, score, generated, outcomes []byte
	)
	err := row.Scan(&e.ID, &e.RunID, &e.ExternalID, &e.Name, &e.Address, &e.Website, &e.Category,
		&contact, &e.CampaignID, &score, &generated, &outcomes, &e.LastError, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(contact, &e.Contact); err != nil {
		return nil, err
	}
	if len(score) > 0 {
		e.Score = &types.ArtifactScore{}
		if err := unmarshalJSON(score, e.Score); err != nil {
			return nil, err
		}
	}
	if len(generated) > 0 {
		e.Generated = &types.GeneratedArtifact{}
		if err := unmarshalJSON(generated, e.Generated); err != nil {
			return nil, err
		}
	}
	e.Outcomes = map[types.Phase]types.EntityOutcome{}
	if err := unmarshalJSON(outcomes, &e.Outcomes); err != nil {
		return nil, err
	}
	return &e, nil
}

type entityJSON struct {
	contact, score, generated, outcomes []byte
}

func encodeEntity(e types.Entity) (entityJSON, error) {
	var (
		out entityJSON
		err error
	)
	if out.contact, err = marshalJSON(e.Contact); err != nil {
		return out, err
	}
	if e.Score != nil {
		if out.score, err = marshalJSON(e.Score); err != nil {
			return out, err
		}
	}
	if e.Generated != nil {
		if out.generated, err = marshalJSON(e.Generated); err != nil {
			return out, err
		}
	}
	outcomes := e.Outcomes
	if outcomes == nil {
		outcomes = map[types.Phase]types.EntityOutcome{}
	}
	if out.outcomes, err = marshalJSON(outcomes); err != nil {
		return out, err
	}
	return out, nil
}

// SaveEntities upserts entities in one batch, preserving discovery order.
func (db *DB) SaveEntities(ctx context.Context, entities []types.Entity) error {
	batch := &pgx.Batch{}
	for _, e := range entities {
		enc, err := encodeEntity(e)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO entities (id, run_id, external_id, name, address, website, category, contact,
			                       campaign_id, score, generated, outcomes, last_error, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			     campaign_id = $9, score = $10, generated = $11, outcomes = $12, last_error = $13`,
			e.ID, e.RunID, e.ExternalID, e.Name, e.Address, e.Website, e.Category, enc.contact,
			e.CampaignID, enc.score, enc.generated, enc.outcomes, e.LastError, e.CreatedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save entities: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error) {
	e, err := scanEntity(db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// ListEntities retrieves a run's entities in discovery order
func (db *DB) ListEntities(ctx context.Context, runID uuid.UUID) ([]types.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateEntity writes the phase-owned fields of an entity. Identity
// fields are immutable after discovery.
func (db *DB) UpdateEntity(ctx context.Context, e types.Entity) error {
	enc, err := encodeEntity(e)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE entities SET campaign_id = $2, score = $3, generated = $4, outcomes = $5, last_error = $6
		 WHERE id = $1`,
		e.ID, e.CampaignID, enc.score, enc.generated, enc.outcomes, e.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "entity", ID: e.ID.String()}
	}
	return nil
}
