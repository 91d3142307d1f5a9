package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/provider"
)

// maxOpenWaitsPerCall bounds how often one call may wait on an open breaker.
const maxOpenWaitsPerCall = 64

// ExhaustedError is returned when a retryable failure persists through MaxAttempts.
type ExhaustedError struct {
	PolicyKey string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.PolicyKey, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// BreakerStatus is a snapshot of one key's breaker.
type BreakerStatus struct {
	Key       string `json:"key"`
	State     string `json:"state"`
	Trips     int    `json:"trips"`
	Exhausted bool   `json:"exhausted"`
}

type breaker struct {
	key    string
	policy Policy
	cb     *gobreaker.CircuitBreaker

	mu        sync.Mutex
	trips     int
	openedAt  time.Time
	exhausted bool
}

func (b *breaker) onStateChange(logger *zap.Logger, now func() time.Time) func(string, gobreaker.State, gobreaker.State) {
	return func(name string, from, to gobreaker.State) {
		b.mu.Lock()
		switch to {
		case gobreaker.StateOpen:
			b.trips++
			b.openedAt = now()
			if b.trips >= b.policy.FatalAfterTrips {
				b.exhausted = true
			}
		case gobreaker.StateClosed:
			b.trips = 0
		}
		trips, exhausted := b.trips, b.exhausted
		b.mu.Unlock()

		logger.Warn("circuit breaker state change",
			zap.String("policy_key", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("trips", trips),
			zap.Bool("exhausted", exhausted),
		)
	}
}

func (b *breaker) isExhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

func (b *breaker) remainingCooldown(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return 0
	}
	return b.openedAt.Add(b.policy.Cooldown).Sub(now)
}

// Executor applies retry and circuit-breaker policies by key. Each key has
// an independent breaker. It is safe for concurrent use.
type Executor struct {
	logger        *zap.Logger
	defaultPolicy Policy
	now           func() time.Time

	mu       sync.Mutex
	policies map[string]Policy
	breakers map[string]*breaker
}

// NewExecutor creates an executor. Keys missing from policies use defaultPolicy.
func NewExecutor(defaultPolicy Policy, policies map[string]Policy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps := make(map[string]Policy, len(policies))
	for k, p := range policies {
		ps[k] = p.WithDefaults()
	}
	return &Executor{
		logger:        logger.Named("resilience"),
		defaultPolicy: defaultPolicy.WithDefaults(),
		now:           time.Now,
		policies:      ps,
		breakers:      make(map[string]*breaker),
	}
}

// Policy returns the effective policy of key.
func (e *Executor) Policy(key string) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policyLocked(key)
}

func (e *Executor) policyLocked(key string) Policy {
	if p, ok := e.policies[key]; ok {
		return p
	}
	return e.defaultPolicy
}

func (e *Executor) breakerFor(key string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[key]; ok {
		return b
	}
	p := e.policyLocked(key)
	b := &breaker{key: key, policy: p}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    p.Window,
		Timeout:     p.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.FailureThreshold
		},
		// Deterministic rejections mean the provider is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !provider.IsRetryable(err)
		},
		OnStateChange: b.onStateChange(e.logger, e.now),
	})
	e.breakers[key] = b
	return b
}

// Execute runs op under the policy of key. Non-retryable failures return
// immediately; retryable ones are retried with exponential backoff and jitter
// up to MaxAttempts while the breaker stays closed. While the breaker is open
// op is not invoked. A call that trips the breaker keeps probing after each
// cooldown, so a dependency that stays down reaches exhaustion within that
// call. Once the key is exhausted every call returns a FatalSystemError.
func (e *Executor) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	b := e.breakerFor(key)
	p := b.policy

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.RandomizationFactor = p.Jitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var (
		lastErr   error
		attempts  int
		openWaits int
	)
	for {
		if b.isExhausted() {
			return &provider.FatalSystemError{PolicyKey: key, Message: "dependency unavailable after repeated circuit trips", Cause: lastErr}
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", key, err, lastErr)
			}
			return err
		}

		_, err := b.cb.Execute(func() (interface{}, error) {
			attempts++
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if b.isExhausted() {
				continue
			}
			wait := b.remainingCooldown(e.now())
			if wait <= 0 {
				wait = bo.NextBackOff()
			}
			openWaits++
			if wait > p.MaxOpenWait || openWaits > maxOpenWaitsPerCall {
				return &provider.CircuitOpenError{PolicyKey: key, RetryIn: wait}
			}
			if serr := sleep(ctx, wait); serr != nil {
				return &provider.CircuitOpenError{PolicyKey: key, RetryIn: wait}
			}
			continue
		}

		lastErr = err
		if !provider.IsRetryable(err) {
			return err
		}
		if b.isExhausted() {
			continue
		}
		// Once the breaker has tripped, probes are paced by its cooldown and
		// the call ends on recovery, exhaustion or MaxOpenWait instead.
		if b.cb.State() != gobreaker.StateClosed {
			continue
		}
		if attempts >= p.MaxAttempts {
			return &ExhaustedError{PolicyKey: key, Attempts: attempts, Last: err}
		}

		delay := bo.NextBackOff()
		if hint := provider.RetryHint(err); hint > delay {
			delay = hint
		}
		e.logger.Debug("retrying call",
			zap.String("policy_key", key),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", key, serr, lastErr)
		}
	}
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, key, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Status returns a snapshot of every breaker created so far.
func (e *Executor) Status() []BreakerStatus {
	e.mu.Lock()
	bs := make([]*breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		bs = append(bs, b)
	}
	e.mu.Unlock()

	out := make([]BreakerStatus, 0, len(bs))
	for _, b := range bs {
		state := b.cb.State().String()
		b.mu.Lock()
		out = append(out, BreakerStatus{Key: b.key, State: state, Trips: b.trips, Exhausted: b.exhausted})
		b.mu.Unlock()
	}
	return out
}

// Exhausted reports whether key has reached its exhaustion condition.
func (e *Executor) Exhausted(key string) bool {
	return e.breakerFor(key).isExhausted()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
