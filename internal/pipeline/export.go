package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jonathan/leadflow/internal/pipeline/phases"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/types"
)

type exportPhase struct{}

func (exportPhase) Name() types.Phase { return types.PhaseExporting }

// Run hands the run's results to the configured exporter. Without one the
// phase completes immediately.
func (exportPhase) Run(ctx context.Context, rc *RunContext, entities []types.Entity) (PhaseResult, error) {
	res := PhaseResult{Total: 1}
	if rc.providers.Exporter == nil {
		res.Skipped = 1
		rc.publishProgress(ctx, types.PhaseExporting, phases.Percent(types.PhaseExporting, 1, 1), rc.Counters(), nil, nil)
		return res, nil
	}

	run, err := rc.store.GetRun(ctx, rc.RunID)
	if err != nil {
		return res, eris.Wrap(err, "failed to load run for export")
	}
	if run == nil {
		return res, &types.NotFoundError{Resource: "run", ID: rc.RunID.String()}
	}
	err = rc.exec.Execute(ctx, resilience.KeyExport, func(ctx context.Context) error {
		return rc.providers.Exporter.Export(ctx, run, entities)
	})
	if err != nil {
		return res, eris.Wrap(err, "export failed")
	}

	res.Succeeded = 1
	rc.publishProgress(ctx, types.PhaseExporting, phases.Percent(types.PhaseExporting, 1, 1), rc.Counters(), nil, nil)
	return res, nil
}
