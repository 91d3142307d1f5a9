package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/leadflow/internal/types"
)

// SaveCampaign upserts a campaign together with all of its channel deliveries.
func (db *DB) SaveCampaign(ctx context.Context, c *types.Campaign) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO campaigns (id, run_id, entity_id, subject, body, short_body, test_mode, scheduled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     subject = $4, body = $5, short_body = $6, test_mode = $7, scheduled_at = $8, updated_at = $10`,
		c.ID, c.RunID, c.EntityID, c.Subject, c.Body, c.ShortBody, c.TestMode, c.ScheduledAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	for _, ch := range types.AllChannels() {
		d, ok := c.Channels[ch]
		if !ok {
			continue
		}
		if err := saveDelivery(ctx, tx, c.ID, d); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit campaign: %w", err)
	}
	return nil
}

// SaveDelivery writes one channel delivery. Other channels of the campaign
// are untouched.
func (db *DB) SaveDelivery(ctx context.Context, campaignID uuid.UUID, d *types.ChannelDelivery) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE campaigns SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		campaignID, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to touch campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "campaign", ID: campaignID.String()}
	}
	if err := saveDelivery(ctx, tx, campaignID, d); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivery: %w", err)
	}
	return nil
}

func saveDelivery(ctx context.Context, tx pgx.Tx, campaignID uuid.UUID, d *types.ChannelDelivery) error {
	history := d.History
	if history == nil {
		history = []types.DeliveryTransition{}
	}
	deferred := d.Deferred
	if deferred == nil {
		deferred = []types.DeferredEvent{}
	}
	historyJSON, err := marshalJSON(history)
	if err != nil {
		return err
	}
	deferredJSON, err := marshalJSON(deferred)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO campaign_deliveries (campaign_id, channel, enabled, recipient, state, attempts,
		                                  max_attempts, provider_message_id, history, deferred, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (campaign_id, channel) DO UPDATE SET
		     enabled = $3, recipient = $4, state = $5, attempts = $6, max_attempts = $7,
		     provider_message_id = $8, history = $9, deferred = $10, last_error = $11, updated_at = $12`,
		campaignID, string(d.Channel), d.Enabled, d.Recipient, string(d.State), d.Attempts,
		d.MaxAttempts, d.ProviderMessageID, historyJSON, deferredJSON, d.LastError, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s delivery: %w", d.Channel, err)
	}

	if d.ProviderMessageID != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO delivery_messages (provider_message_id, campaign_id, channel)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (provider_message_id) DO NOTHING`,
			d.ProviderMessageID, campaignID, string(d.Channel))
		if err != nil {
			return fmt.Errorf("failed to index message id: %w", err)
		}
	}
	return nil
}

const campaignColumns = `id, run_id, entity_id, subject, body, short_body, test_mode, scheduled_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (*types.Campaign, error) {
	var c types.Campaign
	err := row.Scan(&c.ID, &c.RunID, &c.EntityID, &c.Subject, &c.Body, &c.ShortBody, &c.TestMode,
		&c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Channels = make(map[types.Channel]*types.ChannelDelivery, 3)
	return &c, nil
}

// GetCampaign retrieves a campaign with its channel deliveries
func (db *DB) GetCampaign(ctx context.Context, id uuid.UUID) (*types.Campaign, error) {
	c, err := scanCampaign(db.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	if err := db.loadDeliveries(ctx, []*types.Campaign{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns retrieves all campaigns of a run
func (db *DB) ListCampaigns(ctx context.Context, runID uuid.UUID) ([]*types.Campaign, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	var out []*types.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	if err := db.loadDeliveries(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) loadDeliveries(ctx context.Context, campaigns []*types.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*types.Campaign, len(campaigns))
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		byID[c.ID] = c
		ids = append(ids, c.ID.String())
	}

	rows, err := db.pool.Query(ctx,
		`SELECT campaign_id, channel, enabled, recipient, state, attempts, max_attempts,
		        provider_message_id, history, deferred, last_error, updated_at
		 FROM campaign_deliveries WHERE campaign_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return fmt.Errorf("failed to load deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			campaignID        uuid.UUID
			channel, state    string
			history, deferred []byte
			d                 types.ChannelDelivery
		)
		if err := rows.Scan(&campaignID, &channel, &d.Enabled, &d.Recipient, &state, &d.Attempts,
			&d.MaxAttempts, &d.ProviderMessageID, &history, &deferred, &d.LastError, &d.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Channel = types.Channel(channel)
		d.State = types.DeliveryState(state)
		if err := unmarshalJSON(history, &d.History); err != nil {
			return err
		}
		if err := unmarshalJSON(deferred, &d.Deferred); err != nil {
			return err
		}
		if c, ok := byID[campaignID]; ok {
			c.Channels[d.Channel] = &d
		}
	}
	return rows.Err()
}

// FindDeliveryByMessageID resolves any provider message id ever assigned
// to a delivery.
func (db *DB) FindDeliveryByMessageID(ctx context.Context, messageID string) (uuid.UUID, types.Channel, error) {
	var (
		campaignID uuid.UUID
		channel    string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT campaign_id, channel FROM delivery_messages WHERE provider_message_id = $1`,
		messageID,
	).Scan(&campaignID, &channel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, "", nil
		}
		return uuid.Nil, "", fmt.Errorf("failed to find message %s: %w", messageID, err)
	}
	return campaignID, types.Channel(channel), nil
}

// ListRetryingDeliveries returns enabled deliveries waiting in retrying,
// oldest first.
func (db *DB) ListRetryingDeliveries(ctx context.Context, limit int) ([]types.DeliveryRef, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT campaign_id, channel FROM campaign_deliveries
		 WHERE enabled AND state = $1
		 ORDER BY updated_at
		 LIMIT $2`,
		string(types.DeliveryRetrying), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrying deliveries: %w", err)
	}
	defer rows.Close()

	var out []types.DeliveryRef
	for rows.Next() {
		var (
			ref     types.DeliveryRef
			channel string
		)
		if err := rows.Scan(&ref.CampaignID, &channel); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		ref.Channel = types.Channel(channel)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// UpdateCampaignSend records the send options of a campaign.
func (db *DB) UpdateCampaignSend(ctx context.Context, id uuid.UUID, testMode bool, scheduledAt *time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE campaigns SET test_mode = $2, scheduled_at = $3, updated_at = NOW() WHERE id = $1`,
		id, testMode, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "campaign", ID: id.String()}
	}
	return nil
}
