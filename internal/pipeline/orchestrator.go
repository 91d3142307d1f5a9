package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/pipeline/phases"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
)

// Run defaults applied to zero-valued configuration fields.
const (
	DefaultConcurrency    = 4
	DefaultMaxEntities    = 50
	DefaultScoreThreshold = 70
)

// Options configures an Orchestrator.
type Options struct {
	Store     runstate.Store
	Bus       Bus
	Executor  *resilience.Executor
	Providers provider.Set
	Outreach  Outreach
	Logger    *zap.Logger

	// Phases overrides the phase sequence. Defaults to DefaultPhases.
	Phases []Phase
	// Now overrides the clock.
	Now func() time.Time
}

// Orchestrator starts runs and drives each through its phases on its own
// goroutine. Runs are independent; cancelling one never affects another.
type Orchestrator struct {
	store     runstate.Store
	bus       Bus
	exec      *resilience.Executor
	providers provider.Set
	outreach  Outreach
	logger    *zap.Logger
	phases    []Phase
	now       func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.RWMutex
	runs map[uuid.UUID]*RunContext
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, eris.New("pipeline: store is required")
	}
	if opts.Bus == nil {
		return nil, eris.New("pipeline: event bus is required")
	}
	if opts.Executor == nil {
		return nil, eris.New("pipeline: executor is required")
	}
	if opts.Providers.Discovery == nil || opts.Providers.Scorer == nil || opts.Providers.Generator == nil {
		return nil, eris.New("pipeline: discovery, scorer and generator providers are required")
	}
	if opts.Outreach == nil {
		return nil, eris.New("pipeline: outreach service is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Phases) == 0 {
		opts.Phases = DefaultPhases()
	}
	for _, p := range opts.Phases {
		if _, err := phases.Lookup(p.Name()); err != nil {
			return nil, eris.Wrap(err, "pipeline: invalid phase")
		}
	}

	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     opts.Store,
		bus:       opts.Bus,
		exec:      opts.Executor,
		providers: opts.Providers,
		outreach:  opts.Outreach,
		logger:    opts.Logger.Named("pipeline"),
		phases:    opts.Phases,
		now:       opts.Now,
		base:      base,
		stop:      stop,
		runs:      make(map[uuid.UUID]*RunContext),
	}, nil
}

// WithDefaults fills zero-valued run configuration fields.
func WithDefaults(cfg types.RunConfig) types.RunConfig {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Limits.MaxEntities == 0 {
		cfg.Limits.MaxEntities = DefaultMaxEntities
	}
	if cfg.ScoreThreshold == 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	return cfg
}

// Start validates cfg, persists a new run and begins executing it in the
// background. It returns as soon as the run is recorded.
func (o *Orchestrator) Start(ctx context.Context, cfg types.RunConfig) (uuid.UUID, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return uuid.Nil, provider.FromValidator(err)
	}
	if err := o.outreach.ValidateOptions(cfg.Outreach); err != nil {
		return uuid.Nil, err
	}

	now := o.now().UTC()
	run := &types.Run{
		ID:        uuid.New(),
		Config:    cfg,
		Phase:     types.PhaseInitializing,
		Errors:    []types.RunError{},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, eris.Wrap(err, "failed to create run")
	}

	rc := o.register(run)
	rc.publish(ctx, events.TypePhaseTransition, events.PhaseTransition{RunID: run.ID, To: types.PhaseInitializing})
	rc.Logger.Info("run started",
		zap.String("location", cfg.Location),
		zap.String("niche", cfg.Niche),
		zap.Int("concurrency", cfg.Concurrency),
	)
	o.launch(rc, o.phases)
	return run.ID, nil
}

// Resume continues a run whose execution was interrupted, from the first
// phase that did not finish. Entities already resolved in that phase are
// not processed again.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) error {
	if rc := o.lookup(id); rc != nil {
		select {
		case <-rc.done:
		default:
			return nil
		}
	}
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return eris.Wrap(err, "failed to load run")
	}
	if run == nil {
		return &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	if run.Phase.IsTerminal() {
		return &provider.ValidationError{Field: "run", Message: fmt.Sprintf("run already %s", run.Phase)}
	}

	rc := o.register(run)
	if run.Phase == types.PhaseCancelling {
		rc.cancelling.Store(true)
		o.launch(rc, nil)
		return nil
	}

	var remaining []Phase
	for _, name := range phases.Remaining(run.Phase) {
		for _, p := range o.phases {
			if p.Name() == name {
				remaining = append(remaining, p)
			}
		}
	}
	rc.Logger.Info("run resumed", zap.String("phase", string(run.Phase)))
	o.launch(rc, remaining)
	return nil
}

// Cancel requests cooperative cancellation. In-flight units finish, no new
// units start, and the run ends cancelled. Cancelling a finished run is a
// no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	rc := o.lookup(id)
	if rc == nil {
		return o.cancelDetached(ctx, id)
	}

	rc.phaseMu.Lock()
	defer rc.phaseMu.Unlock()
	if rc.phase.IsTerminal() || rc.phase == types.PhaseCancelling {
		return nil
	}
	rc.cancelling.Store(true)
	from := rc.phase
	if err := o.store.UpdateRunPhase(ctx, id, types.PhaseCancelling); err != nil {
		return eris.Wrap(err, "failed to mark run cancelling")
	}
	rc.phase = types.PhaseCancelling
	rc.publish(ctx, events.TypePhaseTransition, events.PhaseTransition{RunID: id, From: from, To: types.PhaseCancelling})
	rc.Logger.Info("run cancelling", zap.String("from", string(from)))
	return nil
}

// cancelDetached cancels a run this process is not executing.
func (o *Orchestrator) cancelDetached(ctx context.Context, id uuid.UUID) error {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return eris.Wrap(err, "failed to load run")
	}
	if run == nil {
		return &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	if run.Phase.IsTerminal() {
		return nil
	}
	if err := o.store.FinishRun(ctx, id, types.PhaseCancelled, types.OutcomeCancelled, o.now().UTC()); err != nil {
		return eris.Wrap(err, "failed to cancel run")
	}
	if _, err := o.bus.Publish(ctx, id, events.TypeRunFinished, events.RunFinished{RunID: id, Phase: types.PhaseCancelled, Outcome: types.OutcomeCancelled}); err != nil {
		o.logger.Warn("failed to publish event", zap.String("run_id", id.String()), zap.Error(err))
	}
	return nil
}

// Status returns a snapshot of the run.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "failed to load run")
	}
	if run == nil {
		return nil, &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	return run, nil
}

// Done returns a channel closed when the run's goroutine exits. ok is false
// when the run is not active in this process.
func (o *Orchestrator) Done(id uuid.UUID) (<-chan struct{}, bool) {
	rc := o.lookup(id)
	if rc == nil {
		return nil, false
	}
	return rc.done, true
}

// Wait blocks until the run stops executing and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	if done, ok := o.Done(id); ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Status(ctx, id)
}

// Archive drops a finished run's in-memory state and closes its event
// subscriptions. The persisted record is kept.
func (o *Orchestrator) Archive(id uuid.UUID) error {
	o.mu.Lock()
	rc, ok := o.runs[id]
	if ok {
		select {
		case <-rc.done:
			delete(o.runs, id)
		default:
			o.mu.Unlock()
			return &provider.ValidationError{Field: "run", Message: "run is still executing"}
		}
	}
	o.mu.Unlock()
	if !ok {
		return &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	o.bus.CloseRun(id)
	return nil
}

// Active returns the IDs of runs currently held in memory.
func (o *Orchestrator) Active() []uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every run goroutine and waits for them to exit. Runs
// interrupted this way keep their phase and can be resumed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id uuid.UUID) *RunContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[id]
}

func (o *Orchestrator) register(run *types.Run) *RunContext {
	ctx, stop := context.WithCancel(o.base)
	rc := &RunContext{
		RunID:     run.ID,
		Config:    run.Config,
		Logger:    o.logger.With(zap.String("run_id", run.ID.String())),
		store:     o.store,
		bus:       o.bus,
		exec:      o.exec,
		providers: o.providers,
		outreach:  o.outreach,
		now:       o.now,
		ctx:       ctx,
		stop:      stop,
		done:      make(chan struct{}),
		phase:     run.Phase,
		counters:  run.Counters,
	}
	o.mu.Lock()
	o.runs[run.ID] = rc
	o.mu.Unlock()
	return rc
}

func (o *Orchestrator) launch(rc *RunContext, remaining []Phase) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(rc.done)
		defer rc.stop()
		o.execute(rc, remaining)
	}()
}

// execute runs the remaining phases in order and records the run's
// terminal status.
func (o *Orchestrator) execute(rc *RunContext, remaining []Phase) {
	ctx := rc.ctx
	for _, p := range remaining {
		if rc.Cancelled() {
			break
		}
		if err := o.transition(ctx, rc, p.Name()); err != nil {
			if rc.Cancelled() {
				break
			}
			o.fail(rc, err)
			return
		}

		entities, err := rc.store.ListEntities(ctx, rc.RunID)
		if err != nil {
			o.fail(rc, eris.Wrap(err, "failed to list entities"))
			return
		}

		started := rc.now()
		res, err := p.Run(ctx, rc, entities)
		rc.Logger.Info("phase finished",
			zap.String("phase", string(p.Name())),
			zap.Int("total", res.Total),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Duration("duration", rc.now().Sub(started)),
		)
		if ctx.Err() != nil && !rc.Cancelled() {
			rc.Logger.Warn("run interrupted by shutdown", zap.String("phase", string(p.Name())))
			return
		}
		if err != nil {
			o.fail(rc, eris.Wrapf(err, "phase %s", p.Name()))
			return
		}
		if fatal := rc.Fatal(); fatal != nil {
			o.fail(rc, fatal)
			return
		}
	}

	if rc.Cancelled() {
		o.finish(rc, types.PhaseCancelled, types.OutcomeCancelled, nil)
		return
	}
	if ctx.Err() != nil {
		return
	}
	o.finish(rc, types.PhaseCompleted, types.OutcomeSucceeded, nil)
}

// transition moves the run to phase unless cancellation was requested.
func (o *Orchestrator) transition(ctx context.Context, rc *RunContext, phase types.Phase) error {
	rc.phaseMu.Lock()
	defer rc.phaseMu.Unlock()
	if rc.Cancelled() {
		return eris.New("run cancelled")
	}
	from := rc.phase
	if from == phase {
		return nil
	}
	if err := phases.ValidateDependencies(from, phase); err != nil {
		return err
	}
	if err := o.store.UpdateRunPhase(ctx, rc.RunID, phase); err != nil {
		return eris.Wrapf(err, "failed to enter phase %s", phase)
	}
	rc.phase = phase
	rc.publish(ctx, events.TypePhaseTransition, events.PhaseTransition{RunID: rc.RunID, From: from, To: phase})
	rc.Logger.Info("phase started", zap.String("phase", string(phase)))
	return nil
}

func (o *Orchestrator) fail(rc *RunContext, err error) {
	rc.Logger.Error("run failed", zap.Error(err))
	o.finish(rc, types.PhaseFailed, types.OutcomeFailed, err)
}

// finish records the terminal phase and publishes the closing events. It
// runs detached from the run's context so a terminal status is always
// written once decided.
func (o *Orchestrator) finish(rc *RunContext, phase types.Phase, outcome types.Outcome, cause error) {
	ctx := context.WithoutCancel(rc.ctx)
	rc.phaseMu.Lock()
	defer rc.phaseMu.Unlock()

	from := rc.phase
	if from == types.PhaseCancelling && phase == types.PhaseCompleted {
		phase, outcome = types.PhaseCancelled, types.OutcomeCancelled
	}
	if cause != nil {
		rc.recordError(ctx, from, nil, cause)
	}
	if err := o.store.FinishRun(ctx, rc.RunID, phase, outcome, rc.now().UTC()); err != nil {
		rc.Logger.Error("failed to record run outcome", zap.String("phase", string(phase)), zap.Error(err))
		return
	}
	rc.phase = phase
	rc.publish(ctx, events.TypePhaseTransition, events.PhaseTransition{RunID: rc.RunID, From: from, To: phase})
	if phase == types.PhaseCompleted {
		rc.publishProgress(ctx, phase, phases.Percent(phase, 0, 0), rc.Counters(), nil, durationSeconds(0))
	}

	finished := events.RunFinished{RunID: rc.RunID, Phase: phase, Outcome: outcome}
	if cause != nil {
		finished.Error = cause.Error()
	}
	rc.publish(ctx, events.TypeRunFinished, finished)
	rc.Logger.Info("run finished", zap.String("phase", string(phase)), zap.String("outcome", string(outcome)))
}
