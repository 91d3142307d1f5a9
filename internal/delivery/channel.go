package delivery

import (
	"errors"
	"sort"
	"time"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// Disposition is what a callback did to a channel delivery.
type Disposition string

// Disposition constants
const (
	Applied  Disposition = "applied"
	Deferred Disposition = "deferred"
	Ignored  Disposition = "ignored"
)

// Callback is a normalized asynchronous delivery event.
type Callback struct {
	MessageID  string
	Target     types.DeliveryState
	OccurredAt time.Time
	Detail     string
}

// Result describes the effect of one input on a channel delivery.
type Result struct {
	Disposition Disposition
	Transitions []types.DeliveryTransition
	Reason      string
}

// ErrNotDispatchable is returned when a send is started from a state other
// than pending or retrying.
var ErrNotDispatchable = errors.New("channel delivery is not dispatchable")

// transition records from -> to and, for failure states, the follow-up move
// to retrying or permanently_failed. final forces permanently_failed.
func transition(d *types.ChannelDelivery, to types.DeliveryState, at time.Time, src Source, messageID, detail string, final bool) ([]types.DeliveryTransition, error) {
	if err := ValidateTransition(d.Channel, d.State, to); err != nil {
		return nil, err
	}
	recorded := []types.DeliveryTransition{record(d, to, at, src, messageID, detail)}

	if IsFailure(to) {
		return append(recorded, resolveFailure(d, at, messageID, final)), nil
	}

	return append(recorded, drainDeferred(d)...), nil
}

// resolveFailure moves a failed delivery on to retrying while attempts
// remain, else to permanently_failed.
func resolveFailure(d *types.ChannelDelivery, at time.Time, messageID string, final bool) types.DeliveryTransition {
	// Parked callbacks belong to the message that just failed.
	d.Deferred = nil
	next := types.DeliveryRetrying
	if final || d.Attempts >= d.MaxAttempts {
		next = types.DeliveryPermanentlyFailed
	}
	return record(d, next, at, SourceSystem, messageID, "")
}

func record(d *types.ChannelDelivery, to types.DeliveryState, at time.Time, src Source, messageID, detail string) types.DeliveryTransition {
	tr := types.DeliveryTransition{
		From:      d.State,
		To:        to,
		At:        at,
		Source:    string(src),
		MessageID: messageID,
		Detail:    detail,
	}
	d.State = to
	d.History = append(d.History, tr)
	if at.After(d.UpdatedAt) {
		d.UpdatedAt = at
	}
	return tr
}

// drainDeferred applies parked callbacks that became valid, in the order
// they occurred, and drops those that can no longer be reached.
func drainDeferred(d *types.ChannelDelivery) []types.DeliveryTransition {
	var applied []types.DeliveryTransition
	sort.SliceStable(d.Deferred, func(i, j int) bool {
		return d.Deferred[i].OccurredAt.Before(d.Deferred[j].OccurredAt)
	})
	for progressed := true; progressed && len(d.Deferred) > 0; {
		progressed = false
		kept := d.Deferred[:0]
		for _, ev := range d.Deferred {
			switch {
			case !progressed && Allowed(d.Channel, d.State, ev.Target):
				applied = append(applied, record(d, ev.Target, ev.OccurredAt, SourceWebhook, d.ProviderMessageID, ev.Detail))
				if IsFailure(ev.Target) {
					d.LastError = ev.Detail
					return append(applied, resolveFailure(d, ev.OccurredAt, d.ProviderMessageID, false))
				}
				progressed = true
			case Reachable(d.Channel, d.State, ev.Target):
				kept = append(kept, ev)
			}
		}
		d.Deferred = kept
	}
	return applied
}

// BeginDispatch counts a send attempt. It must precede every dispatch,
// including the first.
func BeginDispatch(d *types.ChannelDelivery) error {
	if !d.Enabled || !Dispatchable(d.State) {
		return ErrNotDispatchable
	}
	d.Attempts++
	return nil
}

// ApplyAck applies the immediate result of a send call: queued with the
// provider message id on success, otherwise send_failed followed by
// retrying or permanently_failed. Non-retryable send errors fail the
// channel permanently.
func ApplyAck(d *types.ChannelDelivery, res *provider.SendResult, sendErr error, at time.Time) (Result, error) {
	if !Dispatchable(d.State) {
		return Result{}, &TransitionError{Channel: d.Channel, From: d.State, To: types.DeliveryQueued}
	}
	if res == nil {
		res = &provider.SendResult{Status: provider.AckFailed}
	}
	if sendErr == nil && res.Status == provider.AckQueued {
		d.ProviderMessageID = res.ProviderMessageID
		d.LastError = ""
		trs, err := transition(d, types.DeliveryQueued, at, SourceAck, res.ProviderMessageID, res.Detail, false)
		if err != nil {
			return Result{}, err
		}
		return Result{Disposition: Applied, Transitions: trs}, nil
	}

	detail := res.Detail
	final := false
	if sendErr != nil {
		detail = sendErr.Error()
		final = !provider.IsRetryable(sendErr) && !provider.IsFatal(sendErr)
	}
	d.LastError = detail
	trs, err := transition(d, types.DeliverySendFailed, at, SourceAck, res.ProviderMessageID, detail, final)
	if err != nil {
		return Result{}, err
	}
	return Result{Disposition: Applied, Transitions: trs}, nil
}

// ApplyCallback reconciles an asynchronous callback. A valid successor is
// applied; a state further ahead is parked until its predecessor is
// confirmed; anything else (duplicates, stale or regressive events) is
// ignored without mutating the delivery.
func ApplyCallback(d *types.ChannelDelivery, cb Callback) Result {
	if cb.MessageID != "" && d.ProviderMessageID != "" && cb.MessageID != d.ProviderMessageID {
		return Result{Disposition: Ignored, Reason: "callback for a superseded message"}
	}
	if cb.Target == d.State {
		return Result{Disposition: Ignored, Reason: "duplicate"}
	}
	if d.State == types.DeliveryRetrying && cb.MessageID != "" && cb.MessageID == d.ProviderMessageID {
		return Result{Disposition: Ignored, Reason: "callback for a failed message"}
	}

	// Only a send acknowledgement leaves pending or retrying.
	if !Dispatchable(d.State) && Allowed(d.Channel, d.State, cb.Target) {
		if IsFailure(cb.Target) {
			d.LastError = cb.Detail
		}
		trs, err := transition(d, cb.Target, cb.OccurredAt, SourceWebhook, d.ProviderMessageID, cb.Detail, false)
		if err != nil {
			return Result{Disposition: Ignored, Reason: err.Error()}
		}
		return Result{Disposition: Applied, Transitions: trs}
	}

	if Reachable(d.Channel, d.State, cb.Target) {
		for _, ev := range d.Deferred {
			if ev.Target == cb.Target {
				return Result{Disposition: Ignored, Reason: "duplicate of deferred event"}
			}
		}
		d.Deferred = append(d.Deferred, types.DeferredEvent{
			Target:     cb.Target,
			OccurredAt: cb.OccurredAt,
			Detail:     cb.Detail,
		})
		return Result{Disposition: Deferred, Reason: "awaiting predecessor state"}
	}

	return Result{Disposition: Ignored, Reason: "not a successor of " + string(d.State)}
}
