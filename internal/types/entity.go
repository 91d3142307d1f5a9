package types

import (
	"time"

	"github.com/google/uuid"
)

// EntityOutcome is the per-phase terminal outcome of an entity.
type EntityOutcome string

// EntityOutcome constants
const (
	EntitySucceeded EntityOutcome = "succeeded"
	EntityFailed    EntityOutcome = "failed"
	EntitySkipped   EntityOutcome = "skipped"
)

// Contact holds the reachable addresses of a business.
type Contact struct {
	Email    string `json:"email,omitempty" yaml:"email"`
	Phone    string `json:"phone,omitempty" yaml:"phone"`
	WhatsApp string `json:"whatsapp,omitempty" yaml:"whatsapp"`
}

// Candidate is a raw discovery result before it becomes an entity.
type Candidate struct {
	ExternalID string  `json:"external_id" yaml:"external_id"`
	Name       string  `json:"name" yaml:"name"`
	Address    string  `json:"address,omitempty" yaml:"address"`
	Website    string  `json:"website,omitempty" yaml:"website"`
	Category   string  `json:"category,omitempty" yaml:"category"`
	Rating     float64 `json:"rating,omitempty" yaml:"rating"`
	Contact    Contact `json:"contact" yaml:"contact"`
}

// ArtifactScore is the result of scoring an entity's website.
type ArtifactScore struct {
	Overall   float64            `json:"overall"`
	SubScores map[string]float64 `json:"sub_scores,omitempty"`
	Issues    []string           `json:"issues,omitempty"`
	ScoredAt  time.Time          `json:"scored_at"`
}

// GeneratedArtifact is a replacement website produced for an entity.
type GeneratedArtifact struct {
	PreviewURL  string    `json:"preview_url,omitempty"`
	HTML        string    `json:"html,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Entity is a discovered business tracked within a run. Identity fields are
// fixed at discovery; later phases attach their results.
type Entity struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Address    string     `json:"address,omitempty"`
	Website    string     `json:"website,omitempty"`
	Category   string     `json:"category,omitempty"`
	Contact    Contact    `json:"contact"`
	CreatedAt  time.Time  `json:"created_at"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`

	Score     *ArtifactScore          `json:"score,omitempty"`
	Generated *GeneratedArtifact      `json:"generated,omitempty"`
	Outcomes  map[Phase]EntityOutcome `json:"outcomes,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
}

// NewEntity builds an entity from a discovery candidate.
func NewEntity(runID uuid.UUID, c Candidate, now time.Time) Entity {
	return Entity{
		ID:         uuid.New(),
		RunID:      runID,
		ExternalID: c.ExternalID,
		Name:       c.Name,
		Address:    c.Address,
		Website:    c.Website,
		Category:   c.Category,
		Contact:    c.Contact,
		CreatedAt:  now,
		Outcomes:   map[Phase]EntityOutcome{},
	}
}

// OutcomeFor returns the outcome recorded for phase, if any.
func (e *Entity) OutcomeFor(phase Phase) (EntityOutcome, bool) {
	o, ok := e.Outcomes[phase]
	return o, ok
}

// SetOutcome records the outcome for phase.
func (e *Entity) SetOutcome(phase Phase, outcome EntityOutcome) {
	if e.Outcomes == nil {
		e.Outcomes = map[Phase]EntityOutcome{}
	}
	e.Outcomes[phase] = outcome
}

// NeedsGeneration reports whether scoring selected the entity for generation.
// Entities without a website, or scoring below threshold, qualify.
func (e *Entity) NeedsGeneration(threshold float64) bool {
	if o, ok := e.Outcomes[PhaseScoring]; ok && o == EntityFailed {
		return false
	}
	if e.Score == nil {
		return e.Website == ""
	}
	return e.Score.Overall < threshold
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	if e.Score != nil {
		s := *e.Score
		s.SubScores = make(map[string]float64, len(e.Score.SubScores))
		for k, v := range e.Score.SubScores {
			s.SubScores[k] = v
		}
		s.Issues = append([]string(nil), e.Score.Issues...)
		out.Score = &s
	}
	if e.Generated != nil {
		g := *e.Generated
		out.Generated = &g
	}
	if e.CampaignID != nil {
		id := *e.CampaignID
		out.CampaignID = &id
	}
	out.Outcomes = make(map[Phase]EntityOutcome, len(e.Outcomes))
	for k, v := range e.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}
