package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/types"
)

type outreachPhase struct{}

func (outreachPhase) Name() types.Phase { return types.PhaseOutreach }

// Run prepares a campaign for every entity with a generated site. When the
// run requests automatic outreach the campaign is sent right away;
// otherwise it waits for an explicit send.
func (outreachPhase) Run(ctx context.Context, rc *RunContext, entities []types.Entity) (PhaseResult, error) {
	counter := func(r PhaseResult) types.Counters { return types.Counters{OutreachReady: r.Succeeded} }
	auto := rc.Config.Outreach

	return forEachEntity(ctx, rc, types.PhaseOutreach, entities, counter, func(ctx context.Context, e *types.Entity) (types.EntityOutcome, error) {
		if e.Generated == nil {
			return types.EntitySkipped, nil
		}
		c, err := rc.outreach.Prepare(ctx, rc.Config, *e)
		if err != nil {
			return types.EntityFailed, eris.Wrapf(err, "preparing campaign for %q failed", e.Name)
		}
		id := c.ID
		e.CampaignID = &id

		if len(auto.Channels) == 0 {
			return types.EntitySucceeded, nil
		}
		resp, err := rc.outreach.SendCampaign(ctx, c.ID, outreach.SendRequest{
			Channels: auto.Channels,
			TestMode: auto.TestMode,
		})
		if err != nil {
			return types.EntityFailed, eris.Wrapf(err, "sending campaign for %q failed", e.Name)
		}
		rc.Logger.Debug("campaign sent",
			zap.String("campaign_id", c.ID.String()),
			zap.String("aggregate", string(resp.Aggregate)),
		)
		return types.EntitySucceeded, nil
	})
}
