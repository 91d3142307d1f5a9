package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMessenger struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (f *fakeMessenger) SendMessage(_ context.Context, ch types.Channel, _ string, _ provider.Message) (*provider.SendResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return nil, err
		}
	}
	return &provider.SendResult{ProviderMessageID: fmt.Sprintf("%s-%d", ch, call), Status: provider.AckQueued}, nil
}

func (f *fakeMessenger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store *runstate.MemoryStore
	bus   *events.Bus
	rec   *Reconciler
	disp  *Dispatcher
	msgr  *fakeMessenger
	camp  *types.Campaign
}

func newFixture(t *testing.T, channels ...types.Channel) *fixture {
	t.Helper()
	store := runstate.NewMemoryStore()
	bus := events.NewBus(nil, nil)
	rec := NewReconciler(store, bus, nil)
	rec.SetIdleTimeout(20 * time.Millisecond)
	t.Cleanup(rec.Close)

	exec := resilience.NewExecutor(resilience.Policy{
		BaseDelay:        time.Millisecond,
		MaxDelay:         time.Millisecond,
		MaxAttempts:      1,
		FailureThreshold: 100,
		Window:           time.Minute,
		Cooldown:         time.Second,
		FatalAfterTrips:  3,
	}, nil, nil)
	msgr := &fakeMessenger{}

	c := types.NewCampaign(uuid.New(), uuid.New(), time.Now().UTC())
	c.Subject = "A new website"
	c.Body = "Hello"
	for _, ch := range channels {
		c.Channels[ch].Enabled = true
		c.Channels[ch].Recipient = "test@example.com"
		c.Channels[ch].MaxAttempts = 3
	}
	require.NoError(t, store.SaveCampaign(context.Background(), c))

	return &fixture{
		store: store,
		bus:   bus,
		rec:   rec,
		disp:  NewDispatcher(rec, exec, msgr, nil),
		msgr:  msgr,
		camp:  c,
	}
}

func (f *fixture) delivery(t *testing.T, ch types.Channel) *types.ChannelDelivery {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), f.camp.ID)
	require.NoError(t, err)
	return c.Channels[ch]
}

func TestReconciler_QueuedDeliveredDuplicate(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	ctx := context.Background()

	rep, err := f.disp.Send(ctx, f.camp.ID, types.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryQueued, rep.State)
	msgID := f.delivery(t, types.ChannelEmail).ProviderMessageID
	require.NotEmpty(t, msgID)

	in := Inbound{Callback: Callback{MessageID: msgID, Target: types.DeliveryDelivered, OccurredAt: time.Now().UTC()}}
	rep, err = f.rec.Reconcile(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, Applied, rep.Disposition)
	assert.Equal(t, types.CampaignDelivered, rep.Aggregate)

	rep, err = f.rec.Reconcile(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, Ignored, rep.Disposition)

	d := f.delivery(t, types.ChannelEmail)
	assert.Equal(t, types.DeliveryDelivered, d.State)
	assert.Len(t, d.History, 2)

	evs, err := f.bus.Replay(ctx, f.camp.RunID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	var upd events.DeliveryUpdate
	require.NoError(t, evs[1].Decode(&upd))
	assert.Equal(t, types.DeliveryDelivered, upd.Status)
	assert.Equal(t, f.camp.EntityID, upd.EntityID)
}

func TestReconciler_UnmatchedCallback(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	_, err := f.rec.Reconcile(context.Background(), Inbound{Callback: Callback{MessageID: "nope", Target: types.DeliveryDelivered}})
	assert.ErrorIs(t, err, ErrUnmatched)
}

func TestReconciler_FallsBackToCampaignMetadata(t *testing.T) {
	f := newFixture(t, types.ChannelSMS)
	ctx := context.Background()

	rep, err := f.rec.Reconcile(ctx, Inbound{
		Callback:   Callback{MessageID: "sms-1", Target: types.DeliveryDelivered},
		CampaignID: f.camp.ID,
		Channel:    types.ChannelSMS,
	})
	require.NoError(t, err)
	assert.Equal(t, Deferred, rep.Disposition)

	_, err = f.disp.Send(ctx, f.camp.ID, types.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, f.delivery(t, types.ChannelSMS).State)
}

func TestReconciler_ConcurrentCallbacksSerialized(t *testing.T) {
	f := newFixture(t, types.ChannelWhatsApp)
	ctx := context.Background()
	_, err := f.disp.Send(ctx, f.camp.ID, types.ChannelWhatsApp)
	require.NoError(t, err)
	msgID := f.delivery(t, types.ChannelWhatsApp).ProviderMessageID

	targets := []types.DeliveryState{
		types.DeliverySent, types.DeliveryDelivered, types.DeliveryRead, types.DeliveryReplied,
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for j, target := range targets {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.rec.Reconcile(ctx, Inbound{Callback: Callback{
					MessageID:  msgID,
					Target:     target,
					OccurredAt: time.Unix(int64(1000+j), 0).UTC(),
				}})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	d := f.delivery(t, types.ChannelWhatsApp)
	assert.Equal(t, types.DeliveryReplied, d.State)
	assert.Empty(t, d.Deferred)
	seen := map[types.DeliveryState]int{}
	for _, tr := range d.History {
		seen[tr.To]++
	}
	for _, target := range targets {
		assert.LessOrEqual(t, seen[target], 1, "state %s recorded more than once", target)
	}
}

func TestReconciler_ActorsExitWhenIdle(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	_, err := f.disp.Send(context.Background(), f.camp.ID, types.ChannelEmail)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.actors) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReconciler_ClosedRejectsInput(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	f.rec.Close()
	_, err := f.disp.Send(context.Background(), f.camp.ID, types.ChannelEmail)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_SendUntilSettledReachesPermanentlyFailed(t *testing.T) {
	f := newFixture(t, types.ChannelSMS)
	f.msgr.fail = func(int) error { return &provider.TransientProviderError{Provider: "sms", StatusCode: 503} }

	rep, err := f.disp.SendUntilSettled(context.Background(), f.camp.ID, types.ChannelSMS)
	require.Error(t, err)
	assert.Equal(t, types.DeliveryPermanentlyFailed, rep.State)
	assert.Equal(t, types.CampaignFailed, rep.Aggregate)

	d := f.delivery(t, types.ChannelSMS)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, 3, f.msgr.Calls())
}

func TestDispatcher_SendUntilSettledRecovers(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	f.msgr.fail = func(call int) error {
		if call == 1 {
			return &provider.TransientProviderError{Provider: "email", StatusCode: 502}
		}
		return nil
	}

	rep, err := f.disp.SendUntilSettled(context.Background(), f.camp.ID, types.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryQueued, rep.State)
	assert.Equal(t, 2, f.delivery(t, types.ChannelEmail).Attempts)
	assert.Zero(t, f.disp.Pending(), "a settling caller redispatches on its own")
}

func TestDispatcher_RetriesBouncesInBackground(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	ctx, cancel := context.WithCancel(context.Background())
	var done atomic.Bool
	go func() {
		_ = f.disp.Run(ctx, 2)
		done.Store(true)
	}()
	defer func() {
		cancel()
		require.Eventually(t, done.Load, time.Second, 5*time.Millisecond)
	}()

	_, err := f.disp.Send(ctx, f.camp.ID, types.ChannelEmail)
	require.NoError(t, err)
	first := f.delivery(t, types.ChannelEmail).ProviderMessageID

	rep, err := f.rec.Reconcile(ctx, Inbound{Callback: Callback{MessageID: first, Target: types.DeliveryBounced}})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryRetrying, rep.State)

	require.Eventually(t, func() bool {
		d := f.delivery(t, types.ChannelEmail)
		return d.State == types.DeliveryQueued && d.ProviderMessageID != first
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.delivery(t, types.ChannelEmail).Attempts)
}

// runDispatcher starts f.disp.Run and stops it when the test ends.
func (f *fixture) runDispatcher(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.disp.Run(ctx, 2)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_RetriesFailedSendInBackground(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	f.msgr.fail = func(call int) error {
		if call == 1 {
			return &provider.TransientProviderError{Provider: "email", StatusCode: 503}
		}
		return nil
	}
	f.runDispatcher(t)

	rep, err := f.disp.Send(context.Background(), f.camp.ID, types.ChannelEmail)
	require.Error(t, err)
	assert.Equal(t, types.DeliveryRetrying, rep.State)

	require.Eventually(t, func() bool {
		return f.delivery(t, types.ChannelEmail).State == types.DeliveryQueued
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.msgr.Calls())
}

func TestDispatcher_PicksUpRetryingDeliveriesOnStart(t *testing.T) {
	f := newFixture(t, types.ChannelSMS)

	// Left in retrying by a previous process; no hook will ever fire for it.
	d := f.delivery(t, types.ChannelSMS)
	d.State = types.DeliveryRetrying
	d.Attempts = 1
	d.UpdatedAt = time.Now().UTC()
	require.NoError(t, f.store.SaveDelivery(context.Background(), f.camp.ID, d))

	f.runDispatcher(t)

	require.Eventually(t, func() bool {
		return f.delivery(t, types.ChannelSMS).State == types.DeliveryQueued
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.msgr.Calls())
	assert.Equal(t, 2, f.delivery(t, types.ChannelSMS).Attempts)
}

func TestDispatcher_FullQueueDefersToSweep(t *testing.T) {
	f := newFixture(t, types.ChannelEmail)
	f.disp.SetSweepInterval(10 * time.Millisecond)
	ctx := context.Background()

	_, err := f.disp.Send(ctx, f.camp.ID, types.ChannelEmail)
	require.NoError(t, err)
	first := f.delivery(t, types.ChannelEmail).ProviderMessageID

	unknown := uuid.New()
	for i := 0; i < retryQueueSize; i++ {
		f.disp.enqueue(unknown, types.ChannelEmail)
	}
	require.Equal(t, retryQueueSize, f.disp.Pending())

	rep, err := f.rec.Reconcile(ctx, Inbound{Callback: Callback{MessageID: first, Target: types.DeliveryBounced}})
	require.NoError(t, err, "a full queue must not block the reconciler")
	assert.Equal(t, types.DeliveryRetrying, rep.State)
	assert.Equal(t, retryQueueSize, f.disp.Pending())

	f.runDispatcher(t)

	require.Eventually(t, func() bool {
		d := f.delivery(t, types.ChannelEmail)
		return d.State == types.DeliveryQueued && d.ProviderMessageID != first
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.msgr.Calls())
}
