// Package types provides type definitions for structured data used throughout the leadflow system.
package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Phase is one stage of a run. Phases advance along a fixed total order;
// failed and cancelled are reachable from any non-terminal phase.
type Phase string

// Phase constants in execution order
const (
	PhaseInitializing Phase = "initializing"
	PhaseDiscovering  Phase = "discovering"
	PhaseScoring      Phase = "scoring"
	PhaseGenerating   Phase = "generating"
	PhaseOutreach     Phase = "outreach"
	PhaseExporting    Phase = "exporting"
	PhaseCompleted    Phase = "completed"

	PhaseCancelling Phase = "cancelling"
	PhaseCancelled  Phase = "cancelled"
	PhaseFailed     Phase = "failed"
)

// phaseOrder ranks the ordered phases. Off-axis phases are absent.
var phaseOrder = map[Phase]int{
	PhaseInitializing: 0,
	PhaseDiscovering:  1,
	PhaseScoring:      2,
	PhaseGenerating:   3,
	PhaseOutreach:     4,
	PhaseExporting:    5,
	PhaseCompleted:    6,
}

// OrderedPhases returns the main phase sequence.
func OrderedPhases() []Phase {
	return []Phase{
		PhaseInitializing,
		PhaseDiscovering,
		PhaseScoring,
		PhaseGenerating,
		PhaseOutreach,
		PhaseExporting,
		PhaseCompleted,
	}
}

// Rank returns the position of p in the main sequence, or -1 for off-axis phases.
func (p Phase) Rank() int {
	if r, ok := phaseOrder[p]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCancelling, PhaseCancelled, PhaseFailed:
		return true
	}
	return p.Rank() >= 0
}

// CanTransition reports whether a run may move from p to next.
func (p Phase) CanTransition(next Phase) bool {
	if p.IsTerminal() || !next.Valid() {
		return false
	}
	switch next {
	case PhaseFailed:
		return true
	case PhaseCancelling:
		return p != PhaseCancelling
	case PhaseCancelled:
		return true
	}
	if p == PhaseCancelling {
		return false
	}
	return next.Rank() > p.Rank()
}

// Counters are per-phase entity counts. They never decrease.
type Counters struct {
	Discovered    int `json:"discovered"`
	Scored        int `json:"scored"`
	Generated     int `json:"generated"`
	OutreachReady int `json:"outreach_ready"`
}

// Merge returns the field-wise maximum of c and other.
func (c Counters) Merge(other Counters) Counters {
	return Counters{
		Discovered:    max(c.Discovered, other.Discovered),
		Scored:        max(c.Scored, other.Scored),
		Generated:     max(c.Generated, other.Generated),
		OutreachReady: max(c.OutreachReady, other.OutreachReady),
	}
}

// Outcome is the terminal outcome of a run.
type Outcome string

// Outcome constants
const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// RunError is one entry in a run's append-only error log.
type RunError struct {
	Timestamp time.Time  `json:"timestamp"`
	Phase     Phase      `json:"phase"`
	EntityID  *uuid.UUID `json:"entity_id,omitempty"`
	Kind      string     `json:"kind"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

// Limits bound the amount of work a run may do.
type Limits struct {
	MaxEntities    int `json:"max_entities" yaml:"max_entities" validate:"min=1,max=10000"`
	MaxGenerations int `json:"max_generations,omitempty" yaml:"max_generations" validate:"min=0"`
}

// OutreachOptions controls what the outreach phase sends automatically.
type OutreachOptions struct {
	Channels []Channel `json:"channels,omitempty" yaml:"channels" validate:"dive,oneof=email sms whatsapp"`
	TestMode bool      `json:"test_mode,omitempty" yaml:"test_mode"`
}

// RunConfig holds the input parameters of a run.
type RunConfig struct {
	Location       string          `json:"location" yaml:"location" validate:"required,min=2,max=200"`
	Niche          string          `json:"niche" yaml:"niche" validate:"required,min=2,max=200"`
	Limits         Limits          `json:"limits" yaml:"limits"`
	ScoreThreshold float64         `json:"score_threshold" yaml:"score_threshold" validate:"gte=0,lte=100"`
	Concurrency    int             `json:"concurrency" yaml:"concurrency" validate:"min=1,max=64"`
	Outreach       OutreachOptions `json:"outreach" yaml:"outreach"`
}

// Validate checks the run configuration using struct tags.
func (c *RunConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Run is one pipeline execution.
type Run struct {
	ID        uuid.UUID  `json:"id"`
	Config    RunConfig  `json:"config"`
	Phase     Phase      `json:"phase"`
	Counters  Counters   `json:"counters"`
	Errors    []RunError `json:"errors"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Errors = append([]RunError(nil), r.Errors...)
	out.Config.Outreach.Channels = append([]Channel(nil), r.Config.Outreach.Channels...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}
