package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/pipeline/phases"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// unitFunc processes one entity for a phase. It mutates e in place and
// returns the entity's outcome for the phase.
type unitFunc func(ctx context.Context, e *types.Entity) (types.EntityOutcome, error)

// counterFunc maps a phase tally to the run counters it advances.
type counterFunc func(r PhaseResult) types.Counters

// tracker estimates remaining time from the mean duration of finished units.
type tracker struct {
	mu          sync.Mutex
	total       int
	done        int
	measured    int
	elapsed     time.Duration
	concurrency int
}

func (t *tracker) complete(d time.Duration) (int, *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done++
	t.measured++
	t.elapsed += d

	left := t.total - t.done
	if left <= 0 {
		return t.done, durationSeconds(0)
	}
	mean := t.elapsed / time.Duration(t.measured)
	waves := (left + t.concurrency - 1) / t.concurrency
	return t.done, durationSeconds(mean * time.Duration(waves))
}

// forEachEntity runs fn for every entity that has no outcome for phase yet,
// on a worker pool bounded by the run's concurrency. Entities resolved by an
// earlier attempt count toward progress but are not processed again.
//
// Each unit's outcome is persisted before its entity_completed and progress
// events are published. A fatal error stops new units from starting; units
// already running finish and are recorded.
func forEachEntity(ctx context.Context, rc *RunContext, phase types.Phase, entities []types.Entity, counter counterFunc, fn unitFunc) (PhaseResult, error) {
	res := PhaseResult{Total: len(entities)}
	var todo []types.Entity
	for _, e := range entities {
		if o, ok := e.OutcomeFor(phase); ok {
			res.add(o)
			continue
		}
		todo = append(todo, e)
	}

	concurrency := max(rc.Config.Concurrency, 1)
	tr := &tracker{total: len(entities), done: res.Resolved(), concurrency: concurrency}
	if len(todo) == 0 {
		rc.publishProgress(ctx, phase, phases.Percent(phase, res.Resolved(), res.Total), rc.advance(ctx, counter(res)), nil, nil)
		return res, nil
	}

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	for _, entity := range todo {
		if rc.Stopping() {
			break
		}
		g.Go(func() error {
			if rc.Stopping() {
				return nil
			}
			e := entity.Clone()
			started := rc.now()
			outcome, err := fn(ctx, &e)
			if err != nil {
				if outcome == "" || outcome == types.EntitySucceeded {
					outcome = types.EntityFailed
				}
				e.LastError = err.Error()
				if provider.IsFatal(err) {
					rc.Fail(err)
				}
				rc.Logger.Warn("entity failed",
					zap.String("phase", string(phase)),
					zap.String("entity_id", e.ID.String()),
					zap.Error(err),
				)
				rc.recordError(ctx, phase, []uuid.UUID{e.ID}, err)
			}
			e.SetOutcome(phase, outcome)
			if uerr := rc.store.UpdateEntity(ctx, e); uerr != nil {
				rc.Fail(eris.Wrapf(uerr, "failed to persist entity %s", e.ID))
				return nil
			}

			// Completions are published one at a time so progress and
			// counters never go backwards in the event log.
			mu.Lock()
			defer mu.Unlock()
			res.add(outcome)
			snapshot := res

			done, eta := tr.complete(rc.now().Sub(started))
			counters := rc.advance(ctx, counter(snapshot))
			summary := &events.EntitySummary{
				EntityID: e.ID,
				Name:     e.Name,
				Phase:    phase,
				Outcome:  outcome,
				Error:    e.LastError,
			}
			rc.publish(ctx, events.TypeEntityCompleted, summary)
			rc.publishProgress(ctx, phase, phases.Percent(phase, done, snapshot.Total), counters, summary, eta)
			return nil
		})
	}
	_ = g.Wait()

	if err := rc.Fatal(); err != nil {
		return res, err
	}
	return res, nil
}
