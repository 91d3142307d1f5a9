// Package events provides the per-run progress event bus: an ordered,
// sequence-numbered log per run with fan-out to live subscribers and replay
// from any sequence number.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/types"
)

// Type identifies the shape of an event's payload.
type Type string

// Event types
const (
	TypePhaseTransition Type = "phase_transition"
	TypeProgress        Type = "progress_update"
	TypeEntityCompleted Type = "entity_completed"
	TypeError           Type = "error_notification"
	TypeDelivery        Type = "delivery_update"
	TypeRunFinished     Type = "run_finished"
)

// Event is an immutable, sequence-numbered record. Consumers deduplicate on
// (RunID, Sequence).
type Event struct {
	RunID     uuid.UUID       `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// PhaseTransition is published whenever a run changes phase.
type PhaseTransition struct {
	RunID uuid.UUID   `json:"run_id"`
	From  types.Phase `json:"from"`
	To    types.Phase `json:"to"`
}

// EntitySummary describes the most recently completed entity.
type EntitySummary struct {
	EntityID uuid.UUID           `json:"entity_id"`
	Name     string              `json:"name"`
	Phase    types.Phase         `json:"phase"`
	Outcome  types.EntityOutcome `json:"outcome"`
	Error    string              `json:"error,omitempty"`
}

// ProgressUpdate reports phase progress.
type ProgressUpdate struct {
	RunID                     uuid.UUID      `json:"run_id"`
	Phase                     types.Phase    `json:"phase"`
	Percent                   float64        `json:"percent"`
	Counters                  types.Counters `json:"counters"`
	LastCompleted             *EntitySummary `json:"last_completed,omitempty"`
	EstimatedRemainingSeconds *float64       `json:"estimated_remaining_seconds,omitempty"`
}

// ErrorNotification reports a failure.
type ErrorNotification struct {
	RunID          uuid.UUID   `json:"run_id"`
	Code           string      `json:"code"`
	Message        string      `json:"message"`
	Recoverable    bool        `json:"recoverable"`
	RetryInSeconds *int        `json:"retry_in_seconds,omitempty"`
	EntityIDs      []uuid.UUID `json:"entity_ids,omitempty"`
}

// DeliveryUpdate reports a channel delivery state change.
type DeliveryUpdate struct {
	EntityID   uuid.UUID            `json:"entity_id"`
	CampaignID uuid.UUID            `json:"campaign_id"`
	Channel    types.Channel        `json:"channel"`
	Status     types.DeliveryState  `json:"status"`
	Aggregate  types.CampaignStatus `json:"aggregate"`
	Timestamp  time.Time            `json:"timestamp"`
}

// RunFinished is the last event of a run.
type RunFinished struct {
	RunID   uuid.UUID     `json:"run_id"`
	Phase   types.Phase   `json:"phase"`
	Outcome types.Outcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}
