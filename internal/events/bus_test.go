package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonathan/leadflow/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func publishN(t *testing.T, bus *Bus, runID uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := bus.Publish(context.Background(), runID, TypeProgress, ProgressUpdate{RunID: runID, Phase: types.PhaseScoring, Percent: float64(i)})
		require.NoError(t, err)
	}
}

func receive(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "subscription closed early: %v", sub.Err())
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublish_AssignsIncreasingSequences(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()
	other := uuid.New()

	for i := 1; i <= 3; i++ {
		ev, err := bus.Publish(context.Background(), runID, TypeProgress, ProgressUpdate{RunID: runID})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Sequence)
	}
	ev, err := bus.Publish(context.Background(), other, TypeProgress, ProgressUpdate{RunID: other})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence, "sequences are per run")
}

func TestSubscribe_ReplaysAfterSequence(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()
	publishN(t, bus, runID, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, runID, 2)
	require.NoError(t, err)
	defer sub.Close()

	got := receive(t, sub, 3)
	assert.Equal(t, []int64{3, 4, 5}, sequences(got))
}

func TestSubscribe_BacklogThenLiveWithoutGaps(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()
	publishN(t, bus, runID, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, runID, 0)
	require.NoError(t, err)
	defer sub.Close()

	publishN(t, bus, runID, 3)
	got := receive(t, sub, 6)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, sequences(got))
}

func TestSubscribe_ConcurrentPublishersKeepOrder(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, runID, 0)
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = bus.Publish(context.Background(), runID, TypeProgress, ProgressUpdate{RunID: runID})
			}
		}()
	}
	wg.Wait()

	got := receive(t, sub, 100)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestSubscribe_ReconnectFromLastSeen(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()
	publishN(t, bus, runID, 4)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, runID, 0)
	require.NoError(t, err)
	first := receive(t, sub, 2)
	cancel()

	// Drain until closed.
	for range sub.C() {
	}
	assert.ErrorIs(t, sub.Err(), context.Canceled)

	publishN(t, bus, runID, 2)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	sub2, err := bus.Subscribe(ctx2, runID, first[len(first)-1].Sequence)
	require.NoError(t, err)
	defer sub2.Close()

	got := receive(t, sub2, 4)
	assert.Equal(t, []int64{3, 4, 5, 6}, sequences(got))
}

func TestPublish_DropsLaggingSubscriber(t *testing.T) {
	bus := NewBus(nil, nil)
	bus.bufferSize = 2
	runID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow, err := bus.Subscribe(ctx, runID, 0)
	require.NoError(t, err)

	publishN(t, bus, runID, 3)

	var got []Event
	for ev := range slow.C() {
		got = append(got, ev)
	}
	assert.ErrorIs(t, slow.Err(), ErrLagged)
	assert.Equal(t, []int64{1, 2}, sequences(got))

	// Every event is still in the log for the reconnect.
	replayed, err := bus.Replay(context.Background(), runID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, sequences(replayed))
}

func TestPublish_WithoutSubscribersStillLogs(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()
	publishN(t, bus, runID, 2)

	last, err := bus.LastSequence(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestBus_ResumesSequenceFromExistingLog(t *testing.T) {
	log := NewMemoryLog()
	runID := uuid.New()
	first := NewBus(log, nil)
	publishN(t, first, runID, 3)

	second := NewBus(log, nil)
	ev, err := second.Publish(context.Background(), runID, TypeRunFinished, RunFinished{RunID: runID, Phase: types.PhaseCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Sequence)

	var payload RunFinished
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, types.PhaseCompleted, payload.Phase)
}

func TestCloseRun_EndsSubscriptions(t *testing.T) {
	bus := NewBus(nil, nil)
	runID := uuid.New()
	sub, err := bus.Subscribe(context.Background(), runID, 0)
	require.NoError(t, err)

	bus.CloseRun(runID)
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	sub.Close()
}

func TestMemoryLog_RejectsOutOfOrderAppend(t *testing.T) {
	log := NewMemoryLog()
	runID := uuid.New()
	require.NoError(t, log.Append(context.Background(), Event{RunID: runID, Sequence: 2}))
	assert.Error(t, log.Append(context.Background(), Event{RunID: runID, Sequence: 2}))

	evs, err := log.After(context.Background(), runID, 0, 1)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func sequences(evs []Event) []int64 {
	out := make([]int64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Sequence
	}
	return out
}
