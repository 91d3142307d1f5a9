package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/types"
)

type scoringPhase struct{}

func (scoringPhase) Name() types.Phase { return types.PhaseScoring }

// Run scores each entity's existing website. Entities without one are
// skipped and become generation candidates.
func (scoringPhase) Run(ctx context.Context, rc *RunContext, entities []types.Entity) (PhaseResult, error) {
	counter := func(r PhaseResult) types.Counters { return types.Counters{Scored: r.Succeeded} }
	return forEachEntity(ctx, rc, types.PhaseScoring, entities, counter, func(ctx context.Context, e *types.Entity) (types.EntityOutcome, error) {
		if e.Website == "" {
			return types.EntitySkipped, nil
		}
		score, err := resilience.Do(ctx, rc.exec, resilience.KeyScoring, func(ctx context.Context) (*types.ArtifactScore, error) {
			return rc.providers.Scorer.ScoreArtifact(ctx, e.Website)
		})
		if err != nil {
			return types.EntityFailed, eris.Wrapf(err, "scoring %q failed", e.Name)
		}
		if score == nil {
			return types.EntityFailed, eris.Errorf("scorer returned no score for %q", e.Name)
		}
		if score.ScoredAt.IsZero() {
			score.ScoredAt = rc.now().UTC()
		}
		e.Score = score
		return types.EntitySucceeded, nil
	})
}
