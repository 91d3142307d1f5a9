// Package runstate defines the Run State Store, the durable record of runs,
// their entities and campaigns, and provides an in-memory implementation.
package runstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/types"
)

// Store is the single source of truth for run progress. Getters return
// nil, nil for missing records. Update methods return *types.NotFoundError
// when the record does not exist.
type Store interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*types.Run, error)
	// UpdateRunPhase moves a run to phase; it returns a *PhaseError for
	// transitions the phase order does not permit.
	UpdateRunPhase(ctx context.Context, id uuid.UUID, phase types.Phase) error
	// UpdateCounters merges c into the stored counters (field-wise maximum)
	// and returns the result.
	UpdateCounters(ctx context.Context, id uuid.UUID, c types.Counters) (types.Counters, error)
	AppendRunError(ctx context.Context, id uuid.UUID, e types.RunError) error
	FinishRun(ctx context.Context, id uuid.UUID, phase types.Phase, outcome types.Outcome, endedAt time.Time) error

	SaveEntities(ctx context.Context, entities []types.Entity) error
	GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error)
	ListEntities(ctx context.Context, runID uuid.UUID) ([]types.Entity, error)
	UpdateEntity(ctx context.Context, e types.Entity) error

	SaveCampaign(ctx context.Context, c *types.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*types.Campaign, error)
	ListCampaigns(ctx context.Context, runID uuid.UUID) ([]*types.Campaign, error)
	// FindDeliveryByMessageID returns uuid.Nil when no delivery carries messageID.
	FindDeliveryByMessageID(ctx context.Context, messageID string) (uuid.UUID, types.Channel, error)
	SaveDelivery(ctx context.Context, campaignID uuid.UUID, d *types.ChannelDelivery) error
	// ListRetryingDeliveries returns up to limit enabled deliveries waiting
	// in retrying, least recently updated first.
	ListRetryingDeliveries(ctx context.Context, limit int) ([]types.DeliveryRef, error)
	// UpdateCampaignSend records the send options of a campaign without
	// touching its channel deliveries.
	UpdateCampaignSend(ctx context.Context, id uuid.UUID, testMode bool, scheduledAt *time.Time) error
}

// PhaseError reports a phase change the run's phase order forbids.
type PhaseError struct {
	RunID uuid.UUID
	From  types.Phase
	To    types.Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("run %s: invalid phase transition %s -> %s", e.RunID, e.From, e.To)
}

// ValidatePhaseChange returns a *PhaseError unless from -> to is permitted.
// Re-entering the current phase is a no-op and allowed.
func ValidatePhaseChange(runID uuid.UUID, from, to types.Phase) error {
	if from == to || from.CanTransition(to) {
		return nil
	}
	return &PhaseError{RunID: runID, From: from, To: to}
}
