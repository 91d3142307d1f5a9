package delivery

import "github.com/jonathan/leadflow/internal/types"

// Aggregate derives a campaign's status from its enabled channel states.
// It is a pure function of those states.
func Aggregate(c *types.Campaign) types.CampaignStatus {
	var enabled, failed, engaged, delivered, pending int
	for _, ch := range types.AllChannels() {
		d, ok := c.Channels[ch]
		if !ok || !d.Enabled {
			continue
		}
		enabled++
		switch {
		case d.State == types.DeliveryPermanentlyFailed:
			failed++
		case IsEngaged(d.State):
			engaged++
		case d.State == types.DeliveryDelivered:
			delivered++
		case d.State == types.DeliveryPending:
			pending++
		}
	}

	switch {
	case enabled == 0:
		return types.CampaignPending
	case failed == enabled:
		return types.CampaignFailed
	case engaged > 0:
		return types.CampaignEngaged
	case delivered > 0:
		return types.CampaignDelivered
	case pending == enabled:
		return types.CampaignPending
	default:
		return types.CampaignInProgress
	}
}

// Settled reports whether no enabled channel can change state without a
// new dispatch or callback. Used to decide outreach outcomes.
func Settled(c *types.Campaign) bool {
	for _, d := range c.Channels {
		if d.Enabled && Dispatchable(d.State) {
			return false
		}
	}
	return true
}
