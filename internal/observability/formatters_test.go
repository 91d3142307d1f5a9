package observability

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/types"
)

func event(t *testing.T, seq int64, typ events.Type, payload any) events.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Event{
		RunID:     uuid.New(),
		Sequence:  seq,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.PrintEvent(event(t, 1, events.TypePhaseTransition, events.PhaseTransition{From: types.PhaseInitializing, To: types.PhaseDiscovering}))
	p.PrintEvent(event(t, 2, events.TypeEntityCompleted, events.EntitySummary{Name: "Joe's Bakery", Phase: types.PhaseScoring, Outcome: types.EntityFailed, Error: "timeout"}))
	retry := 12
	p.PrintEvent(event(t, 3, events.TypeError, events.ErrorNotification{Code: "circuit_open", Message: "scoring paused", RetryInSeconds: &retry}))
	p.PrintEvent(event(t, 4, events.TypeRunFinished, events.RunFinished{Phase: types.PhaseCompleted, Outcome: types.OutcomeSucceeded}))

	out := buf.String()
	assert.Contains(t, out, "[   1] 09:30:00 phase_transition")
	assert.Contains(t, out, "initializing → discovering")
	assert.Contains(t, out, `scoring "Joe's Bakery" failed: timeout`)
	assert.Contains(t, out, "circuit_open: scoring paused (retry in 12s)")
	assert.Contains(t, out, "succeeded (completed)")
}

func TestPrintEvent_ProgressOnlyWhenVerbose(t *testing.T) {
	eta := 42.0
	ev := event(t, 5, events.TypeProgress, events.ProgressUpdate{
		Phase:                     types.PhaseScoring,
		Percent:                   50,
		Counters:                  types.Counters{Discovered: 10, Scored: 5},
		EstimatedRemainingSeconds: &eta,
	})

	var quiet bytes.Buffer
	NewPrinter(&quiet, false).PrintEvent(ev)
	assert.Empty(t, quiet.String())

	var loud bytes.Buffer
	NewPrinter(&loud, true).PrintEvent(ev)
	assert.Contains(t, loud.String(), "scoring  50.0% discovered=10 scored=5")
	assert.Contains(t, loud.String(), "eta 42s")
}

func TestPrintRunSummary(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	run := &types.Run{
		ID:        uuid.New(),
		Config:    types.RunConfig{Location: "Austin, TX", Niche: "bakeries"},
		Phase:     types.PhaseCompleted,
		Outcome:   types.OutcomeSucceeded,
		Counters:  types.Counters{Discovered: 3, Scored: 2, Generated: 1, OutreachReady: 1},
		StartedAt: start,
		EndedAt:   &end,
		Errors:    []types.RunError{{Kind: "transient_provider_error", Message: "timeout"}},
	}
	p.PrintRunSummary(run)

	out := buf.String()
	assert.Contains(t, out, "RUN SUMMARY")
	assert.Contains(t, out, "bakeries in Austin, TX")
	assert.Contains(t, out, "Duration: 1m30s")
	assert.Contains(t, out, "Outreach ready: 1")
	assert.Contains(t, out, "[transient_provider_error] timeout")
}

func TestPrintRunSummary_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintRunSummary(nil)
	assert.Empty(t, buf.String())
}

func TestTables(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	now := time.Now()
	runID := uuid.New()

	p.RunsTable([]*types.Run{{ID: runID, Config: types.RunConfig{Location: "Austin", Niche: "bakeries"}, Phase: types.PhaseScoring, StartedAt: now}})
	assert.Contains(t, buf.String(), runID.String())
	assert.Contains(t, buf.String(), "bakeries")

	buf.Reset()
	e := types.NewEntity(runID, types.Candidate{ExternalID: "a", Name: "Joe's Bakery", Website: "http://joes.example"}, now)
	e.Score = &types.ArtifactScore{Overall: 42.5}
	e.SetOutcome(types.PhaseScoring, types.EntitySucceeded)
	p.EntitiesTable([]types.Entity{e})
	assert.Contains(t, buf.String(), "Joe's Bakery")
	assert.Contains(t, buf.String(), "42.5")
	assert.Contains(t, buf.String(), "succeeded")

	buf.Reset()
	c := types.NewCampaign(runID, e.ID, now)
	c.Channels[types.ChannelEmail] = &types.ChannelDelivery{Channel: types.ChannelEmail, Enabled: true, State: types.DeliveryQueued, Attempts: 1, MaxAttempts: 3}
	p.CampaignsTable([]*types.Campaign{c})
	assert.Contains(t, buf.String(), "queued (1/3)")
	assert.Contains(t, buf.String(), "in_progress")
}
