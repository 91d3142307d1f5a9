package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/types"
)

type generationPhase struct{}

func (generationPhase) Name() types.Phase { return types.PhaseGenerating }

// Run generates a replacement site for every entity scored below the run's
// threshold. Entities at or above it are skipped. When the run limits
// generations, the earliest-discovered qualifying entities win.
func (generationPhase) Run(ctx context.Context, rc *RunContext, entities []types.Entity) (PhaseResult, error) {
	selected := selectForGeneration(entities, rc.Config.ScoreThreshold, rc.Config.Limits.MaxGenerations)
	counter := func(r PhaseResult) types.Counters { return types.Counters{Generated: r.Succeeded} }

	return forEachEntity(ctx, rc, types.PhaseGenerating, entities, counter, func(ctx context.Context, e *types.Entity) (types.EntityOutcome, error) {
		if !selected[e.ID] {
			return types.EntitySkipped, nil
		}
		gc := provider.GenerationContext{
			EntityID: e.ID,
			Name:     e.Name,
			Category: e.Category,
			Address:  e.Address,
			Niche:    rc.Config.Niche,
			Location: rc.Config.Location,
			Website:  e.Website,
		}
		if e.Score != nil {
			gc.Issues = e.Score.Issues
		}
		artifact, err := resilience.Do(ctx, rc.exec, resilience.KeyGeneration, func(ctx context.Context) (*types.GeneratedArtifact, error) {
			return rc.providers.Generator.GenerateArtifact(ctx, gc)
		})
		if err != nil {
			return types.EntityFailed, eris.Wrapf(err, "generating site for %q failed", e.Name)
		}
		if artifact == nil {
			return types.EntityFailed, eris.Errorf("generator returned no artifact for %q", e.Name)
		}
		if artifact.GeneratedAt.IsZero() {
			artifact.GeneratedAt = rc.now().UTC()
		}
		e.Generated = artifact
		return types.EntitySucceeded, nil
	})
}

// selectForGeneration returns the entities that qualify for generation,
// capped at limit (0 means unlimited). Generations already recorded by an
// earlier attempt count toward the cap.
func selectForGeneration(entities []types.Entity, threshold float64, limit int) map[uuid.UUID]bool {
	used := 0
	for _, e := range entities {
		if o, ok := e.OutcomeFor(types.PhaseGenerating); ok && o == types.EntitySucceeded {
			used++
		}
	}
	selected := make(map[uuid.UUID]bool)
	for _, e := range entities {
		if _, done := e.OutcomeFor(types.PhaseGenerating); done {
			continue
		}
		if !e.NeedsGeneration(threshold) {
			continue
		}
		if limit > 0 && used >= limit {
			break
		}
		selected[e.ID] = true
		used++
	}
	return selected
}
