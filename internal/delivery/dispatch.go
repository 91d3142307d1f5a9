package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/types"
)

const retryQueueSize = 1024

// DefaultSweepInterval is how often Run looks for retrying deliveries the
// queue never received, such as overflow or those left by a previous process.
const DefaultSweepInterval = 30 * time.Second

// MessageFunc renders a campaign's content for one channel.
type MessageFunc func(c *types.Campaign, ch types.Channel) provider.Message

func defaultMessage(c *types.Campaign, _ types.Channel) provider.Message {
	return provider.Message{Subject: c.Subject, Body: c.Body}
}

// Dispatcher sends channel messages through the resilience executor under
// the channel's message-provider policy key and records the acknowledgement
// on the delivery's actor.
type Dispatcher struct {
	rec        *Reconciler
	exec       *resilience.Executor
	messenger  provider.Messenger
	logger     *zap.Logger
	now        func() time.Time
	message    MessageFunc
	sweepEvery time.Duration

	retries chan actorKey

	mu    sync.Mutex
	owned map[actorKey]int
}

// NewDispatcher creates a dispatcher and registers it as the reconciler's
// retry hook.
func NewDispatcher(rec *Reconciler, exec *resilience.Executor, messenger provider.Messenger, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		rec:        rec,
		exec:       exec,
		messenger:  messenger,
		logger:     logger.Named("dispatcher"),
		now:        time.Now,
		message:    defaultMessage,
		sweepEvery: DefaultSweepInterval,
		retries:    make(chan actorKey, retryQueueSize),
		owned:      make(map[actorKey]int),
	}
	rec.OnRetry(d.enqueue)
	return d
}

// SetMessageFunc overrides how channel content is rendered. Call before use.
func (d *Dispatcher) SetMessageFunc(fn MessageFunc) {
	if fn != nil {
		d.message = fn
	}
}

// SetSweepInterval overrides DefaultSweepInterval. Call before Run.
func (d *Dispatcher) SetSweepInterval(interval time.Duration) {
	if interval > 0 {
		d.sweepEvery = interval
	}
}

// Send dispatches one attempt for a pending or retrying channel: the
// attempt is counted, the message is sent and its acknowledgement applied.
// The returned error is the send error, if any; the report reflects the
// recorded state either way. A failure that leaves the channel retrying is
// redispatched by Run.
func (d *Dispatcher) Send(ctx context.Context, campaignID uuid.UUID, ch types.Channel) (Report, error) {
	return d.send(ctx, campaignID, ch, d.rec.Mutate)
}

func (d *Dispatcher) send(ctx context.Context, campaignID uuid.UUID, ch types.Channel,
	mutate func(context.Context, uuid.UUID, types.Channel, MutateFunc) (Report, error),
) (Report, error) {
	var sendErr error
	rep, err := mutate(ctx, campaignID, ch, func(ctx context.Context, c *types.Campaign, cd *types.ChannelDelivery) (Result, error) {
		if err := BeginDispatch(cd); err != nil {
			return Result{Disposition: Ignored, Reason: err.Error()}, nil
		}
		msg := d.message(c, ch)
		msg.Metadata = map[string]string{
			"campaign_id": c.ID.String(),
			"entity_id":   c.EntityID.String(),
			"channel":     string(ch),
		}
		res, err := resilience.Do(ctx, d.exec, resilience.MessagingKey(ch), func(ctx context.Context) (*provider.SendResult, error) {
			return d.messenger.SendMessage(ctx, ch, cd.Recipient, msg)
		})
		sendErr = err
		return ApplyAck(cd, res, err, d.now().UTC())
	})
	if err != nil {
		return rep, err
	}
	return rep, sendErr
}

// SendUntilSettled dispatches a channel until it leaves pending and
// retrying, its attempts run out, or a fatal error occurs.
func (d *Dispatcher) SendUntilSettled(ctx context.Context, campaignID uuid.UUID, ch types.Channel) (Report, error) {
	key := actorKey{campaignID: campaignID, channel: ch}
	d.own(key)
	defer d.release(key)
	for {
		rep, err := d.send(ctx, campaignID, ch, d.rec.mutateOwned)
		if provider.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return rep, err
		}
		var nf *types.NotFoundError
		if errors.As(err, &nf) {
			return rep, err
		}
		if rep.Disposition == Ignored || !Dispatchable(rep.State) {
			return rep, err
		}
	}
}

func (d *Dispatcher) own(key actorKey) {
	d.mu.Lock()
	d.owned[key]++
	d.mu.Unlock()
}

func (d *Dispatcher) release(key actorKey) {
	d.mu.Lock()
	if d.owned[key]--; d.owned[key] <= 0 {
		delete(d.owned, key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) isOwned(key actorKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owned[key] > 0
}

// enqueue runs on a reconciler actor and must not block. The delivery is
// already persisted in retrying, so a full queue leaves it to the next sweep.
func (d *Dispatcher) enqueue(campaignID uuid.UUID, ch types.Channel) {
	select {
	case d.retries <- actorKey{campaignID: campaignID, channel: ch}:
	default:
		d.logger.Info("retry queue full, deferring to sweep",
			zap.String("campaign_id", campaignID.String()),
			zap.String("channel", string(ch)),
		)
	}
}

// sweep queues retrying deliveries from the store until the queue is full.
func (d *Dispatcher) sweep(ctx context.Context) {
	refs, err := d.rec.store.ListRetryingDeliveries(ctx, retryQueueSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("failed to list retrying deliveries", zap.Error(err))
		}
		return
	}
	queued := 0
	for _, ref := range refs {
		key := actorKey{campaignID: ref.CampaignID, channel: ref.Channel}
		if d.isOwned(key) {
			continue
		}
		select {
		case d.retries <- key:
			queued++
		default:
			d.logger.Debug("retry queue full, sweep stopped early", zap.Int("queued", queued))
			return
		}
	}
	if queued > 0 {
		d.logger.Info("queued retrying deliveries", zap.Int("count", queued))
	}
}

// Run redispatches retrying deliveries until ctx is done. Retries arrive
// from the reconciler's hook and from a sweep of the store, run once at
// start and then every sweep interval.
func (d *Dispatcher) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	defer func() { _ = g.Wait() }()

	d.sweep(ctx)
	ticker := time.NewTicker(d.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweep(ctx)
		case key := <-d.retries:
			if d.isOwned(key) {
				continue
			}
			g.Go(func() error {
				rep, err := d.Send(ctx, key.campaignID, key.channel)
				if err != nil {
					d.logger.Warn("retry dispatch failed",
						zap.String("campaign_id", key.campaignID.String()),
						zap.String("channel", string(key.channel)),
						zap.String("state", string(rep.State)),
						zap.Error(err),
					)
				}
				return nil
			})
		}
	}
}

// Pending returns the number of queued retries.
func (d *Dispatcher) Pending() int {
	return len(d.retries)
}
