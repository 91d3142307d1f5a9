package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/leadflow/internal/provider"
)

func fastPolicy() Policy {
	return Policy{
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		Jitter:           0.1,
		MaxAttempts:      3,
		FailureThreshold: 100,
		Window:           time.Minute,
		Cooldown:         time.Hour,
		FatalAfterTrips:  3,
		MaxOpenWait:      time.Millisecond,
	}
}

func transient() error {
	return &provider.TransientProviderError{Provider: "test", StatusCode: 503}
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	ex := NewExecutor(fastPolicy(), nil, nil)
	var calls int32

	err := ex.Execute(context.Background(), "k", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return transient()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestExecute_NonRetryablePropagatesImmediately(t *testing.T) {
	ex := NewExecutor(fastPolicy(), nil, nil)
	var calls int32

	err := ex.Execute(context.Background(), "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &provider.ValidationError{Field: "url", Message: "malformed"}
	})

	var ve *provider.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, int32(1), calls)
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	ex := NewExecutor(fastPolicy(), nil, nil)
	var calls int32

	err := ex.Execute(context.Background(), "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient()
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, provider.KindTransient, provider.KindOf(err))
}

func TestExecute_BreakerOpensAndShortCircuits(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1
	p.FailureThreshold = 3
	ex := NewExecutor(p, nil, nil)
	var calls int32
	op := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient()
	}

	for i := 0; i < 3; i++ {
		err := ex.Execute(context.Background(), "k", op)
		require.Error(t, err)
	}
	require.Equal(t, int32(3), calls)

	for i := 0; i < 5; i++ {
		err := ex.Execute(context.Background(), "k", op)
		var open *provider.CircuitOpenError
		require.ErrorAs(t, err, &open)
		assert.Equal(t, "k", open.PolicyKey)
	}
	assert.Equal(t, int32(3), calls, "adapter must not be invoked while the breaker is open")
}

func TestExecute_KeysHaveIndependentBreakers(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1
	p.FailureThreshold = 1
	ex := NewExecutor(p, nil, nil)

	_ = ex.Execute(context.Background(), "a", func(context.Context) error { return transient() })
	err := ex.Execute(context.Background(), "a", func(context.Context) error { return nil })
	var open *provider.CircuitOpenError
	require.ErrorAs(t, err, &open)

	err = ex.Execute(context.Background(), "b", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestExecute_HalfOpenProbeClosesCircuit(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1
	p.FailureThreshold = 1
	p.Cooldown = 20 * time.Millisecond
	p.MaxOpenWait = time.Millisecond
	ex := NewExecutor(p, nil, nil)

	_ = ex.Execute(context.Background(), "k", func(context.Context) error { return transient() })
	time.Sleep(30 * time.Millisecond)

	var calls int32
	err := ex.Execute(context.Background(), "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)

	status := ex.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "closed", status[0].State)
	assert.Equal(t, 0, status[0].Trips)
}

func TestExecute_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	p := fastPolicy()
	p.FailureThreshold = 2
	ex := NewExecutor(p, nil, nil)

	for i := 0; i < 5; i++ {
		err := ex.Execute(context.Background(), "k", func(context.Context) error {
			return &provider.PermanentProviderError{Provider: "test", StatusCode: 400}
		})
		var pe *provider.PermanentProviderError
		require.ErrorAs(t, err, &pe)
	}
	assert.False(t, ex.Exhausted("k"))
	assert.Equal(t, "closed", ex.Status()[0].State)
}

func TestExecute_ExhaustionBecomesFatal(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 100
	p.FailureThreshold = 2
	p.Cooldown = 10 * time.Millisecond
	p.MaxOpenWait = 50 * time.Millisecond
	p.FatalAfterTrips = 2
	ex := NewExecutor(p, nil, nil)
	var calls int32

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ex.Execute(ctx, "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient()
	})

	var fatal *provider.FatalSystemError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "k", fatal.PolicyKey)
	assert.True(t, provider.IsFatal(err))
	assert.Equal(t, int32(3), calls, "two failures trip, one failed probe re-trips")
	assert.True(t, ex.Exhausted("k"))

	// Subsequent calls fail fast without invoking the adapter.
	err = ex.Execute(ctx, "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, int32(3), calls)
}

func TestExecute_DefaultThresholdsReachExhaustionInOneCall(t *testing.T) {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	p.Cooldown = 10 * time.Millisecond
	ex := NewExecutor(p, nil, nil)
	var calls int32

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ex.Execute(ctx, "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient()
	})

	require.True(t, provider.IsFatal(err), "got %v", err)
	assert.Equal(t, provider.KindFatal, provider.KindOf(err))
	assert.Equal(t, int32(7), calls, "five failures trip, then two failed probes")
	assert.True(t, ex.Exhausted("k"))
}

func TestExecute_TrippedCallReturnsOnRecovery(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 2
	p.FailureThreshold = 2
	p.Cooldown = 10 * time.Millisecond
	p.MaxOpenWait = 50 * time.Millisecond
	ex := NewExecutor(p, nil, nil)
	var calls int32

	err := ex.Execute(context.Background(), "k", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return transient()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls, "the probe after the cooldown succeeds")
	assert.Equal(t, "closed", ex.Status()[0].State)
}

func TestExecute_RespectsCancellation(t *testing.T) {
	p := fastPolicy()
	p.BaseDelay = time.Second
	p.MaxDelay = time.Second
	p.MaxAttempts = 5
	ex := NewExecutor(p, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ex.Execute(ctx, "k", func(context.Context) error { return transient() })

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDo_ReturnsValue(t *testing.T) {
	ex := NewExecutor(fastPolicy(), nil, nil)
	v, err := Do(context.Background(), ex, "k", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPolicyWithDefaults(t *testing.T) {
	p := Policy{Cooldown: 5 * time.Second}.WithDefaults()
	d := DefaultPolicy()

	assert.Equal(t, d.BaseDelay, p.BaseDelay)
	assert.Equal(t, d.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, 5*time.Second, p.Cooldown)
	assert.Equal(t, 5*time.Second, p.MaxOpenWait)
}

func TestExecutor_PerKeyPolicies(t *testing.T) {
	ex := NewExecutor(fastPolicy(), map[string]Policy{
		KeyDiscovery: {MaxAttempts: 7},
	}, nil)

	assert.Equal(t, 7, ex.Policy(KeyDiscovery).MaxAttempts)
	assert.Equal(t, 3, ex.Policy(KeyScoring).MaxAttempts)
	assert.Equal(t, "message-provider-sms", MessagingKey("sms"))
}
