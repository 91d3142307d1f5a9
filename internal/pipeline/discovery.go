package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jonathan/leadflow/internal/pipeline/phases"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/types"
)

type discoveryPhase struct{}

func (discoveryPhase) Name() types.Phase { return types.PhaseDiscovering }

// Run searches once for candidates and persists them as the run's entities.
// A resumed run that already has entities keeps them.
func (discoveryPhase) Run(ctx context.Context, rc *RunContext, entities []types.Entity) (PhaseResult, error) {
	if len(entities) > 0 {
		counters := rc.advance(ctx, types.Counters{Discovered: len(entities)})
		rc.publishProgress(ctx, types.PhaseDiscovering, phases.Percent(types.PhaseDiscovering, 1, 1), counters, nil, nil)
		return PhaseResult{Total: len(entities), Succeeded: len(entities)}, nil
	}

	params := provider.SearchParams{
		Location: rc.Config.Location,
		Niche:    rc.Config.Niche,
		Limit:    rc.Config.Limits.MaxEntities,
	}
	candidates, err := resilience.Do(ctx, rc.exec, resilience.KeyDiscovery, func(ctx context.Context) ([]types.Candidate, error) {
		return rc.providers.Discovery.Search(ctx, params)
	})
	if err != nil {
		return PhaseResult{}, eris.Wrap(err, "discovery search failed")
	}

	now := rc.now().UTC()
	found := dedupe(candidates, params.Limit)
	out := make([]types.Entity, 0, len(found))
	for _, c := range found {
		e := types.NewEntity(rc.RunID, c, now)
		e.SetOutcome(types.PhaseDiscovering, types.EntitySucceeded)
		out = append(out, e)
	}
	if err := rc.store.SaveEntities(ctx, out); err != nil {
		return PhaseResult{}, eris.Wrap(err, "failed to save discovered entities")
	}

	counters := rc.advance(ctx, types.Counters{Discovered: len(out)})
	rc.publishProgress(ctx, types.PhaseDiscovering, phases.Percent(types.PhaseDiscovering, 1, 1), counters, nil, nil)
	return PhaseResult{Total: len(out), Succeeded: len(out)}, nil
}

// dedupe drops unnamed and repeated candidates and keeps at most limit,
// preserving the provider's order.
func dedupe(candidates []types.Candidate, limit int) []types.Candidate {
	seen := make(map[string]bool, len(candidates))
	var out []types.Candidate
	for _, c := range candidates {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		key := candidateKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func candidateKey(c types.Candidate) string {
	if c.ExternalID != "" {
		return "id:" + c.ExternalID
	}
	return "na:" + strings.ToLower(strings.TrimSpace(c.Name)) + "|" + strings.ToLower(strings.TrimSpace(c.Address))
}
