// Package delivery implements the per-channel delivery state machine, the
// campaign aggregate status and the webhook reconciliation actors.
package delivery

import (
	"fmt"

	"github.com/jonathan/leadflow/internal/types"
)

// Source records what caused a transition.
type Source string

// Source constants
const (
	SourceAck      Source = "ack"
	SourceWebhook  Source = "webhook"
	SourceSystem   Source = "system"
	SourceDispatch Source = "dispatch"
)

type stateSet map[types.DeliveryState]struct{}

func set(states ...types.DeliveryState) stateSet {
	s := make(stateSet, len(states))
	for _, st := range states {
		s[st] = struct{}{}
	}
	return s
}

// baseTransitions is the channel-independent topology. Engagement edges past
// delivered are added per channel by engagementTransitions.
var baseTransitions = map[types.DeliveryState]stateSet{
	types.DeliveryPending: set(types.DeliveryQueued, types.DeliverySendFailed),
	// Providers may report the outcome of a queued message without a sent event.
	types.DeliveryQueued: set(types.DeliverySent, types.DeliveryDelivered, types.DeliverySendFailed,
		types.DeliveryBounced, types.DeliveryUndelivered),
	types.DeliverySent:        set(types.DeliveryDelivered, types.DeliveryBounced, types.DeliveryUndelivered),
	types.DeliverySendFailed:  set(types.DeliveryRetrying, types.DeliveryPermanentlyFailed),
	types.DeliveryBounced:     set(types.DeliveryRetrying, types.DeliveryPermanentlyFailed),
	types.DeliveryUndelivered: set(types.DeliveryRetrying, types.DeliveryPermanentlyFailed),
	types.DeliveryRetrying:    set(types.DeliveryQueued, types.DeliverySendFailed, types.DeliveryPermanentlyFailed),
}

var engagementTransitions = map[types.Channel]map[types.DeliveryState]stateSet{
	types.ChannelEmail: {
		types.DeliveryDelivered: set(types.DeliveryOpened, types.DeliveryClicked),
		types.DeliveryOpened:    set(types.DeliveryClicked),
	},
	types.ChannelSMS: {
		types.DeliveryDelivered: set(types.DeliveryReplied),
	},
	types.ChannelWhatsApp: {
		types.DeliveryDelivered: set(types.DeliveryRead, types.DeliveryReplied),
		types.DeliveryRead:      set(types.DeliveryReplied),
	},
}

// TransitionError reports an edge the machine does not define.
type TransitionError struct {
	Channel types.Channel
	From    types.DeliveryState
	To      types.DeliveryState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s delivery transition: %s -> %s", e.Channel, e.From, e.To)
}

// Successors returns the states directly reachable from s on channel ch.
func Successors(ch types.Channel, s types.DeliveryState) []types.DeliveryState {
	var out []types.DeliveryState
	for to := range baseTransitions[s] {
		out = append(out, to)
	}
	for to := range engagementTransitions[ch][s] {
		out = append(out, to)
	}
	return out
}

// Allowed reports whether from -> to is an edge on channel ch.
func Allowed(ch types.Channel, from, to types.DeliveryState) bool {
	if _, ok := baseTransitions[from][to]; ok {
		return true
	}
	_, ok := engagementTransitions[ch][from][to]
	return ok
}

// ValidateTransition returns a *TransitionError unless from -> to is allowed.
func ValidateTransition(ch types.Channel, from, to types.DeliveryState) error {
	if !Allowed(ch, from, to) {
		return &TransitionError{Channel: ch, From: from, To: to}
	}
	return nil
}

// Reachable reports whether to can be reached from from in one or more steps.
func Reachable(ch types.Channel, from, to types.DeliveryState) bool {
	seen := map[types.DeliveryState]bool{from: true}
	queue := []types.DeliveryState{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range Successors(ch, cur) {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges on ch.
func IsTerminal(ch types.Channel, s types.DeliveryState) bool {
	return len(Successors(ch, s)) == 0
}

// IsFailure reports whether s is one of the transient failure states that
// resolve to retrying or permanently_failed.
func IsFailure(s types.DeliveryState) bool {
	switch s {
	case types.DeliverySendFailed, types.DeliveryBounced, types.DeliveryUndelivered:
		return true
	}
	return false
}

// IsEngaged reports whether s is an engagement state.
func IsEngaged(s types.DeliveryState) bool {
	switch s {
	case types.DeliveryOpened, types.DeliveryRead, types.DeliveryClicked, types.DeliveryReplied:
		return true
	}
	return false
}

// IsDelivered reports whether s is delivered or better.
func IsDelivered(s types.DeliveryState) bool {
	return s == types.DeliveryDelivered || IsEngaged(s)
}

// Dispatchable reports whether a send may be dispatched from s.
func Dispatchable(s types.DeliveryState) bool {
	return s == types.DeliveryPending || s == types.DeliveryRetrying
}
