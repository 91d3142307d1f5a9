package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/types"
)

// DefaultIdleTimeout is how long a channel actor lingers without work.
const DefaultIdleTimeout = 30 * time.Second

const inboxSize = 16

var (
	// ErrUnmatched is returned for callbacks no channel delivery owns.
	ErrUnmatched = errors.New("callback does not match any channel delivery")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("reconciler closed")
)

// Store is the campaign persistence the reconciler needs.
type Store interface {
	// GetCampaign returns nil, nil when the campaign does not exist.
	GetCampaign(ctx context.Context, id uuid.UUID) (*types.Campaign, error)
	// FindDeliveryByMessageID returns uuid.Nil when no delivery owns messageID.
	FindDeliveryByMessageID(ctx context.Context, messageID string) (uuid.UUID, types.Channel, error)
	SaveDelivery(ctx context.Context, campaignID uuid.UUID, d *types.ChannelDelivery) error
	ListRetryingDeliveries(ctx context.Context, limit int) ([]types.DeliveryRef, error)
}

// Publisher receives delivery-update events.
type Publisher interface {
	Publish(ctx context.Context, runID uuid.UUID, typ events.Type, payload any) (events.Event, error)
}

// Inbound is a callback addressed by provider message id, with the campaign
// metadata the provider echoed back as a fallback for callbacks that race
// the send acknowledgement.
type Inbound struct {
	Callback
	CampaignID uuid.UUID
	Channel    types.Channel
}

// Report summarizes the effect of one reconciled input.
type Report struct {
	CampaignID  uuid.UUID            `json:"campaign_id"`
	EntityID    uuid.UUID            `json:"entity_id"`
	Channel     types.Channel        `json:"channel"`
	Disposition Disposition          `json:"disposition"`
	State       types.DeliveryState  `json:"state"`
	Aggregate   types.CampaignStatus `json:"aggregate"`
	Applied     int                  `json:"applied"`
	Reason      string               `json:"reason,omitempty"`
}

// MutateFunc changes one channel delivery. It runs on the delivery's actor.
type MutateFunc func(ctx context.Context, c *types.Campaign, d *types.ChannelDelivery) (Result, error)

type actorKey struct {
	campaignID uuid.UUID
	channel    types.Channel
}

type request struct {
	ctx context.Context
	fn  MutateFunc
	// ownsRetry marks inputs whose caller redispatches the delivery itself.
	ownsRetry bool
	reply     chan reply
}

type reply struct {
	report Report
	err    error
}

type actor struct {
	key     actorKey
	inbox   chan request
	pending int
}

// Reconciler serializes every input for one channel delivery through a
// dedicated actor goroutine, so callbacks, acknowledgements and retry
// dispatches for the same delivery are applied one at a time. Actors start
// on demand and exit when idle.
type Reconciler struct {
	store  Store
	bus    Publisher
	logger *zap.Logger
	idle   time.Duration
	now    func() time.Time

	onRetry func(campaignID uuid.UUID, ch types.Channel)

	mu     sync.Mutex
	actors map[actorKey]*actor
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. bus may be nil.
func NewReconciler(store Store, bus Publisher, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:  store,
		bus:    bus,
		logger: logger.Named("reconciler"),
		idle:   DefaultIdleTimeout,
		now:    time.Now,
		actors: make(map[actorKey]*actor),
		quit:   make(chan struct{}),
	}
}

// SetIdleTimeout overrides DefaultIdleTimeout. Call before use.
func (r *Reconciler) SetIdleTimeout(d time.Duration) {
	r.idle = d
}

// OnRetry registers a hook called whenever an input moves a delivery into
// retrying, unless the submitter redispatches it itself. The hook must not
// block.
func (r *Reconciler) OnRetry(fn func(campaignID uuid.UUID, ch types.Channel)) {
	r.onRetry = fn
}

// Reconcile matches a callback to its channel delivery by provider message
// id, falling back to the echoed campaign metadata, and applies it.
func (r *Reconciler) Reconcile(ctx context.Context, in Inbound) (Report, error) {
	key, err := r.resolve(ctx, in)
	if err != nil {
		return Report{}, err
	}
	cb := in.Callback
	if cb.OccurredAt.IsZero() {
		cb.OccurredAt = r.now().UTC()
	}
	return r.submit(ctx, key, false, func(_ context.Context, _ *types.Campaign, d *types.ChannelDelivery) (Result, error) {
		return ApplyCallback(d, cb), nil
	})
}

// Mutate runs fn on the actor of a campaign channel.
func (r *Reconciler) Mutate(ctx context.Context, campaignID uuid.UUID, ch types.Channel, fn MutateFunc) (Report, error) {
	return r.submit(ctx, actorKey{campaignID: campaignID, channel: ch}, false, fn)
}

// mutateOwned is Mutate for callers that redispatch a retrying delivery
// themselves; it never fires the retry hook.
func (r *Reconciler) mutateOwned(ctx context.Context, campaignID uuid.UUID, ch types.Channel, fn MutateFunc) (Report, error) {
	return r.submit(ctx, actorKey{campaignID: campaignID, channel: ch}, true, fn)
}

func (r *Reconciler) resolve(ctx context.Context, in Inbound) (actorKey, error) {
	if in.MessageID != "" {
		campaignID, ch, err := r.store.FindDeliveryByMessageID(ctx, in.MessageID)
		if err != nil {
			return actorKey{}, fmt.Errorf("failed to look up message %s: %w", in.MessageID, err)
		}
		if campaignID != uuid.Nil {
			return actorKey{campaignID: campaignID, channel: ch}, nil
		}
	}
	if in.CampaignID != uuid.Nil && in.Channel.Valid() {
		return actorKey{campaignID: in.CampaignID, channel: in.Channel}, nil
	}
	return actorKey{}, ErrUnmatched
}

func (r *Reconciler) submit(ctx context.Context, key actorKey, ownsRetry bool, fn MutateFunc) (Report, error) {
	req := request{ctx: ctx, fn: fn, ownsRetry: ownsRetry, reply: make(chan reply, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Report{}, ErrClosed
	}
	a, ok := r.actors[key]
	if !ok {
		a = &actor{key: key, inbox: make(chan request, inboxSize)}
		r.actors[key] = a
		r.wg.Add(1)
		go r.loop(a)
	}
	a.pending++
	r.mu.Unlock()

	select {
	case a.inbox <- req:
	case <-ctx.Done():
		r.finish(a)
		return Report{}, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.report, rep.err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (r *Reconciler) finish(a *actor) {
	r.mu.Lock()
	a.pending--
	r.mu.Unlock()
}

// retire removes the actor when nothing is pending.
func (r *Reconciler) retire(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.pending > 0 {
		return false
	}
	delete(r.actors, a.key)
	return true
}

func (r *Reconciler) loop(a *actor) {
	defer r.wg.Done()
	timer := time.NewTimer(r.idle)
	defer timer.Stop()

	for {
		select {
		case req := <-a.inbox:
			r.handle(a, req)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.idle)
		case <-timer.C:
			if r.retire(a) {
				return
			}
			timer.Reset(r.idle)
		case <-r.quit:
			for !r.retire(a) {
				select {
				case req := <-a.inbox:
					r.handle(a, req)
				case <-time.After(10 * time.Millisecond):
				}
			}
			return
		}
	}
}

func (r *Reconciler) handle(a *actor, req request) {
	defer r.finish(a)
	// The caller may give up waiting; the mutation still completes.
	ctx := context.WithoutCancel(req.ctx)
	rep, err := r.apply(ctx, a.key, req)
	req.reply <- reply{report: rep, err: err}
}

func (r *Reconciler) apply(ctx context.Context, key actorKey, req request) (Report, error) {
	c, err := r.store.GetCampaign(ctx, key.campaignID)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return Report{}, &types.NotFoundError{Resource: "campaign", ID: key.campaignID.String()}
	}
	d, ok := c.Channels[key.channel]
	if !ok {
		return Report{}, &types.NotFoundError{Resource: "channel delivery", ID: key.campaignID.String() + "/" + string(key.channel)}
	}

	from := d.State
	res, err := req.fn(ctx, c, d)
	if err != nil {
		return Report{}, err
	}
	logger := r.logger.With(
		zap.String("campaign_id", c.ID.String()),
		zap.String("channel", string(key.channel)),
	)

	if res.Disposition != Ignored {
		if err := r.store.SaveDelivery(ctx, c.ID, d); err != nil {
			return Report{}, fmt.Errorf("failed to save delivery: %w", err)
		}
	}

	agg := Aggregate(c)
	rep := Report{
		CampaignID:  c.ID,
		EntityID:    c.EntityID,
		Channel:     key.channel,
		Disposition: res.Disposition,
		State:       d.State,
		Aggregate:   agg,
		Applied:     len(res.Transitions),
		Reason:      res.Reason,
	}

	switch res.Disposition {
	case Ignored:
		logger.Info("ignored delivery input",
			zap.String("state", string(from)),
			zap.String("reason", res.Reason),
		)
	case Deferred:
		logger.Debug("deferred out-of-order callback", zap.String("state", string(from)))
	default:
		logger.Debug("delivery transitioned",
			zap.String("from", string(from)),
			zap.String("to", string(d.State)),
			zap.Int("transitions", len(res.Transitions)),
		)
	}

	if r.bus != nil {
		for _, tr := range res.Transitions {
			_, err := r.bus.Publish(ctx, c.RunID, events.TypeDelivery, events.DeliveryUpdate{
				EntityID:   c.EntityID,
				CampaignID: c.ID,
				Channel:    key.channel,
				Status:     tr.To,
				Aggregate:  agg,
				Timestamp:  tr.At,
			})
			if err != nil {
				logger.Warn("failed to publish delivery update", zap.Error(err))
			}
		}
	}

	if !req.ownsRetry && len(res.Transitions) > 0 && d.State == types.DeliveryRetrying && r.onRetry != nil {
		r.onRetry(c.ID, key.channel)
	}
	return rep, nil
}

// Close stops accepting input and waits for every actor to drain.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()
	r.wg.Wait()
}
