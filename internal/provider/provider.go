package provider

import (
	"context"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/types"
)

// SearchParams are the discovery inputs of a run.
type SearchParams struct {
	Location string
	Niche    string
	Limit    int
}

// Discovery finds candidate businesses.
type Discovery interface {
	Search(ctx context.Context, params SearchParams) ([]types.Candidate, error)
}

// Scorer rates an entity's existing website.
type Scorer interface {
	ScoreArtifact(ctx context.Context, url string) (*types.ArtifactScore, error)
}

// GenerationContext is what a generator knows about the business.
type GenerationContext struct {
	EntityID uuid.UUID
	Name     string
	Category string
	Address  string
	Niche    string
	Location string
	Website  string
	Issues   []string
}

// Generator produces a replacement website.
type Generator interface {
	GenerateArtifact(ctx context.Context, gc GenerationContext) (*types.GeneratedArtifact, error)
}

// AckStatus is the immediate acknowledgement of a send call.
type AckStatus string

// AckStatus constants
const (
	AckQueued AckStatus = "queued"
	AckFailed AckStatus = "failed"
)

// Message is the content sent on one channel.
type Message struct {
	Subject  string
	Body     string
	Metadata map[string]string
}

// SendResult is the provider's acknowledgement of a send.
type SendResult struct {
	ProviderMessageID string
	Status            AckStatus
	Detail            string
}

// Messenger sends outbound messages.
type Messenger interface {
	SendMessage(ctx context.Context, channel types.Channel, recipient string, msg Message) (*SendResult, error)
}

// Exporter persists a finished run's results outside the core.
type Exporter interface {
	Export(ctx context.Context, run *types.Run, entities []types.Entity) error
}

// Set bundles the collaborators a run needs.
type Set struct {
	Discovery Discovery
	Scorer    Scorer
	Generator Generator
	Messenger Messenger
	Exporter  Exporter
}
