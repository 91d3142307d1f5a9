// Package pipeline provides the run orchestrator: it sequences the phases of
// a run, fans per-entity work out to a bounded worker pool, and decides the
// run's terminal status.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/types"
)

// PhaseResult tallies the per-entity outcomes of a phase.
type PhaseResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Resolved returns the number of entities with a terminal outcome.
func (r PhaseResult) Resolved() int {
	return r.Succeeded + r.Failed + r.Skipped
}

func (r *PhaseResult) add(o types.EntityOutcome) {
	switch o {
	case types.EntitySucceeded:
		r.Succeeded++
	case types.EntityFailed:
		r.Failed++
	case types.EntitySkipped:
		r.Skipped++
	}
}

// Phase is one stage of a run. Run receives the run's entities in discovery
// order. Per-entity failures are recorded on the entity; a returned error
// is phase-fatal and fails the run.
type Phase interface {
	Name() types.Phase
	Run(ctx context.Context, rc *RunContext, entities []types.Entity) (PhaseResult, error)
}

// DefaultPhases returns the standard phase sequence.
func DefaultPhases() []Phase {
	return []Phase{
		discoveryPhase{},
		scoringPhase{},
		generationPhase{},
		outreachPhase{},
		exportPhase{},
	}
}

// Bus is the event bus the orchestrator publishes to.
type Bus interface {
	Publish(ctx context.Context, runID uuid.UUID, typ events.Type, payload any) (events.Event, error)
	CloseRun(runID uuid.UUID)
}

// Outreach prepares campaigns during the outreach phase and sends them
// when the run asks for automatic outreach.
type Outreach interface {
	ValidateOptions(opts types.OutreachOptions) error
	Prepare(ctx context.Context, cfg types.RunConfig, e types.Entity) (*types.Campaign, error)
	SendCampaign(ctx context.Context, campaignID uuid.UUID, req outreach.SendRequest) (*outreach.SendResponse, error)
}

var _ Outreach = (*outreach.Service)(nil)

// durationSeconds converts d to fractional seconds for ETA payloads.
func durationSeconds(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}
