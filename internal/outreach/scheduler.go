package outreach

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/types"
)

// ErrSchedulerClosed is returned when scheduling after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// FireFunc dispatches a scheduled send.
type FireFunc func(ctx context.Context, campaignID uuid.UUID, channels []types.Channel)

type scheduled struct {
	timer    *time.Timer
	at       time.Time
	channels []types.Channel
}

// Scheduler holds timers for campaigns sent at a later time. Pending sends
// are dropped when the scheduler closes.
type Scheduler struct {
	fire   FireFunc
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[uuid.UUID]*scheduled
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler calling fire when a send is due.
func NewScheduler(fire FireFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fire:    fire,
		logger:  logger.Named("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uuid.UUID]*scheduled),
	}
}

// Schedule arranges for channels of a campaign to be sent at at. A campaign
// already scheduled keeps its channels and moves to the new time.
func (s *Scheduler) Schedule(campaignID uuid.UUID, channels []types.Channel, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}

	merged := append([]types.Channel(nil), channels...)
	if prev, ok := s.pending[campaignID]; ok {
		if prev.timer.Stop() {
			s.wg.Done()
		}
		merged = union(prev.channels, channels)
	}

	entry := &scheduled{at: at, channels: merged}
	s.wg.Add(1)
	entry.timer = time.AfterFunc(time.Until(at), func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.pending[campaignID] == entry {
			delete(s.pending, campaignID)
		}
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Info("dispatching scheduled send",
			zap.String("campaign_id", campaignID.String()),
			zap.Int("channels", len(entry.channels)),
		)
		s.fire(s.ctx, campaignID, entry.channels)
	})
	s.pending[campaignID] = entry
	return nil
}

// Cancel drops a pending send. It reports whether one was pending.
func (s *Scheduler) Cancel(campaignID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[campaignID]
	if !ok {
		return false
	}
	delete(s.pending, campaignID)
	if entry.timer.Stop() {
		s.wg.Done()
		return true
	}
	return false
}

// Pending returns the number of campaigns waiting to be sent.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close drops pending sends and waits for running ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	for id, entry := range s.pending {
		if entry.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func union(a, b []types.Channel) []types.Channel {
	seen := make(map[types.Channel]bool, len(a)+len(b))
	var out []types.Channel
	for _, ch := range append(append([]types.Channel(nil), a...), b...) {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}
