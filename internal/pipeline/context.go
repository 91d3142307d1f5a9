package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
)

// RunContext is the per-run state handed to every phase. It is created when
// a run starts or resumes and dropped when the run is archived.
type RunContext struct {
	RunID  uuid.UUID
	Config types.RunConfig
	Logger *zap.Logger

	store     runstate.Store
	bus       Bus
	exec      *resilience.Executor
	providers provider.Set
	outreach  Outreach
	now       func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}

	cancelling atomic.Bool

	// phaseMu serializes phase changes between the run goroutine and Cancel.
	phaseMu sync.Mutex
	phase   types.Phase

	mu       sync.Mutex
	fatal    error
	counters types.Counters
}

// Cancelled reports whether cancellation was requested.
func (rc *RunContext) Cancelled() bool {
	return rc.cancelling.Load()
}

// Stopping reports whether workers should stop taking new units.
func (rc *RunContext) Stopping() bool {
	return rc.Cancelled() || rc.Fatal() != nil || rc.ctx.Err() != nil
}

// Fail records a fatal condition. The first one wins.
func (rc *RunContext) Fail(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.fatal == nil {
		rc.fatal = err
	}
}

// Fatal returns the recorded fatal condition, if any.
func (rc *RunContext) Fatal() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.fatal
}

// Phase returns the run's current phase.
func (rc *RunContext) Phase() types.Phase {
	rc.phaseMu.Lock()
	defer rc.phaseMu.Unlock()
	return rc.phase
}

// Done is closed when the run goroutine exits.
func (rc *RunContext) Done() <-chan struct{} {
	return rc.done
}

// Counters returns the last known counters.
func (rc *RunContext) Counters() types.Counters {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.counters
}

// advance merges c into the stored counters and returns the result.
func (rc *RunContext) advance(ctx context.Context, c types.Counters) types.Counters {
	merged, err := rc.store.UpdateCounters(ctx, rc.RunID, c)
	if err != nil {
		rc.Logger.Warn("failed to update counters", zap.Error(err))
		merged = rc.Counters().Merge(c)
	}
	rc.mu.Lock()
	rc.counters = rc.counters.Merge(merged)
	out := rc.counters
	rc.mu.Unlock()
	return out
}

// recordError appends err to the run's error log and publishes an error
// notification.
func (rc *RunContext) recordError(ctx context.Context, phase types.Phase, entityIDs []uuid.UUID, err error) {
	kind := provider.KindOf(err)
	retryable := provider.IsRetryable(err)
	entry := types.RunError{
		Timestamp: rc.now().UTC(),
		Phase:     phase,
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: retryable,
	}
	if len(entityIDs) == 1 {
		id := entityIDs[0]
		entry.EntityID = &id
	}
	if aerr := rc.store.AppendRunError(ctx, rc.RunID, entry); aerr != nil {
		rc.Logger.Warn("failed to append run error", zap.Error(aerr))
	}

	note := events.ErrorNotification{
		RunID:       rc.RunID,
		Code:        string(kind),
		Message:     err.Error(),
		Recoverable: !provider.IsFatal(err),
		EntityIDs:   entityIDs,
	}
	if hint := provider.RetryHint(err); hint > 0 {
		secs := int(hint.Round(time.Second) / time.Second)
		note.RetryInSeconds = &secs
	}
	rc.publish(ctx, events.TypeError, note)
}

func (rc *RunContext) publish(ctx context.Context, typ events.Type, payload any) {
	if _, err := rc.bus.Publish(ctx, rc.RunID, typ, payload); err != nil {
		rc.Logger.Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func (rc *RunContext) publishProgress(ctx context.Context, phase types.Phase, percent float64, counters types.Counters, last *events.EntitySummary, eta *float64) {
	rc.publish(ctx, events.TypeProgress, events.ProgressUpdate{
		RunID:                     rc.RunID,
		Phase:                     phase,
		Percent:                   percent,
		Counters:                  counters,
		LastCompleted:             last,
		EstimatedRemainingSeconds: eta,
	})
}
