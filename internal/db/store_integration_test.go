//go:build integration
// +build integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("leadflow"),
		postgres.WithUsername("leadflow"),
		postgres.WithPassword("leadflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Skipping integration test: failed to start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := Connect(connectCtx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx), "schema must be re-appliable")
	return db
}

func createTestRun(t *testing.T, db *DB) *types.Run {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	run := &types.Run{
		ID: uuid.New(),
		Config: types.RunConfig{
			Location:       "Austin, TX",
			Niche:          "plumbers",
			Limits:         types.Limits{MaxEntities: 10},
			ScoreThreshold: 70,
			Concurrency:    2,
		},
		Phase:     types.PhaseInitializing,
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.CreateRun(context.Background(), run))
	return run
}

func TestRunLifecycle_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run := createTestRun(t, db)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "plumbers", got.Config.Niche)
	assert.Equal(t, types.PhaseInitializing, got.Phase)

	require.NoError(t, db.UpdateRunPhase(ctx, run.ID, types.PhaseDiscovering))
	require.NoError(t, db.UpdateRunPhase(ctx, run.ID, types.PhaseScoring))
	var pe *runstate.PhaseError
	require.ErrorAs(t, db.UpdateRunPhase(ctx, run.ID, types.PhaseDiscovering), &pe)

	c, err := db.UpdateCounters(ctx, run.ID, types.Counters{Discovered: 4, Scored: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Discovered)
	c, err = db.UpdateCounters(ctx, run.ID, types.Counters{Discovered: 2, Scored: 3})
	require.NoError(t, err)
	assert.Equal(t, types.Counters{Discovered: 4, Scored: 3}, c)

	entityID := uuid.New()
	require.NoError(t, db.AppendRunError(ctx, run.ID, types.RunError{
		Timestamp: time.Now().UTC(),
		Phase:     types.PhaseScoring,
		EntityID:  &entityID,
		Kind:      "transient_provider_error",
		Message:   "timeout",
		Retryable: true,
	}))

	ended := time.Now().UTC()
	require.NoError(t, db.FinishRun(ctx, run.ID, types.PhaseFailed, types.OutcomeFailed, ended))

	got, err = db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, got.Phase)
	assert.Equal(t, types.OutcomeFailed, got.Outcome)
	require.NotNil(t, got.EndedAt)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, entityID, *got.Errors[0].EntityID)

	missing, err := db.GetRun(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	runs, err := db.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
}

func TestEntitiesAndCampaigns_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run := createTestRun(t, db)
	now := time.Now().UTC()

	a := types.NewEntity(run.ID, types.Candidate{Name: "Acme Plumbing", Website: "https://acme.example"}, now)
	b := types.NewEntity(run.ID, types.Candidate{Name: "Best Pipes"}, now)
	require.NoError(t, db.SaveEntities(ctx, []types.Entity{a, b}))

	a.Score = &types.ArtifactScore{Overall: 42, SubScores: map[string]float64{"seo": 40}, ScoredAt: now}
	a.SetOutcome(types.PhaseScoring, types.EntitySucceeded)
	require.NoError(t, db.UpdateEntity(ctx, a))

	list, err := db.ListEntities(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Acme Plumbing", list[0].Name)
	require.NotNil(t, list[0].Score)
	assert.Equal(t, 42.0, list[0].Score.Overall)
	assert.Equal(t, types.EntitySucceeded, list[0].Outcomes[types.PhaseScoring])

	camp := types.NewCampaign(run.ID, a.ID, now)
	camp.Subject = "Hello"
	camp.Channels[types.ChannelEmail].Enabled = true
	camp.Channels[types.ChannelEmail].MaxAttempts = 3
	require.NoError(t, db.SaveCampaign(ctx, camp))

	d := camp.Channels[types.ChannelEmail]
	d.Attempts = 1
	d.State = types.DeliveryQueued
	d.ProviderMessageID = "email-msg-1"
	d.History = append(d.History, types.DeliveryTransition{From: types.DeliveryPending, To: types.DeliveryQueued, At: now, Source: "ack"})
	d.UpdatedAt = now
	require.NoError(t, db.SaveDelivery(ctx, camp.ID, d))

	id, ch, err := db.FindDeliveryByMessageID(ctx, "email-msg-1")
	require.NoError(t, err)
	assert.Equal(t, camp.ID, id)
	assert.Equal(t, types.ChannelEmail, ch)

	got, err := db.GetCampaign(ctx, camp.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.DeliveryQueued, got.Channels[types.ChannelEmail].State)
	assert.Len(t, got.Channels[types.ChannelEmail].History, 1)
	assert.Equal(t, types.DeliveryPending, got.Channels[types.ChannelSMS].State)

	all, err := db.ListCampaigns(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	var nf *types.NotFoundError
	assert.ErrorAs(t, db.SaveDelivery(ctx, uuid.New(), d), &nf)

	refs, err := db.ListRetryingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, refs)

	d.State = types.DeliveryRetrying
	d.UpdatedAt = now.Add(time.Second)
	require.NoError(t, db.SaveDelivery(ctx, camp.ID, d))
	refs, err = db.ListRetryingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []types.DeliveryRef{{CampaignID: camp.ID, Channel: types.ChannelEmail}}, refs)
}

func TestEventLog_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	runID := uuid.New()

	bus := events.NewBus(db.EventLog(), nil)
	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, runID, events.TypeProgress, events.ProgressUpdate{RunID: runID, Percent: float64(i * 10)})
		require.NoError(t, err)
	}

	// A fresh bus resumes numbering from the durable log.
	restarted := events.NewBus(db.EventLog(), nil)
	ev, err := restarted.Publish(ctx, runID, events.TypeRunFinished, events.RunFinished{RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Sequence)

	replayed, err := db.EventLog().After(ctx, runID, 1, 0)
	require.NoError(t, err)
	require.Len(t, replayed, 3)
	assert.Equal(t, int64(2), replayed[0].Sequence)
	assert.Equal(t, events.TypeRunFinished, replayed[2].Type)

	err = db.EventLog().Append(ctx, events.Event{RunID: runID, Sequence: 2, Type: events.TypeProgress, Payload: []byte(`{}`), Timestamp: time.Now()})
	assert.Error(t, err, "sequence numbers are unique per run")
}
