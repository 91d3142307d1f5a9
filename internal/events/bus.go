package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the live-event buffer of a subscription.
const DefaultBufferSize = 256

// ErrLagged is reported by a subscription the bus dropped because its
// consumer fell behind. The consumer resubscribes from its last sequence.
var ErrLagged = errors.New("subscriber lagged behind and was dropped")

// Subscription is a stream of one run's events.
type Subscription struct {
	RunID uuid.UUID

	topic *topic
	ch    chan Event
	stop  func() bool

	mu     sync.Mutex
	closed bool
	err    error
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Err reports why the channel closed: nil after Close, ErrLagged when
// dropped, or the context error.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	s.closeLocked(nil)
}

// closeLocked requires s.topic.mu.
func (s *Subscription) closeLocked(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	delete(s.topic.subs, s)
	close(s.ch)
	if s.stop != nil {
		s.stop()
	}
}

type topic struct {
	mu      sync.Mutex
	loaded  bool
	lastSeq int64
	subs    map[*Subscription]struct{}
}

// Bus publishes events per run. Publication appends to the Log first, so
// fan-out to zero subscribers still leaves the event available for replay.
type Bus struct {
	log        Log
	logger     *zap.Logger
	bufferSize int
	now        func() time.Time

	mu     sync.Mutex
	topics map[uuid.UUID]*topic
}

// NewBus creates a bus backed by log.
func NewBus(log Log, logger *zap.Logger) *Bus {
	if log == nil {
		log = NewMemoryLog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		log:        log,
		logger:     logger.Named("events"),
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		topics:     make(map[uuid.UUID]*topic),
	}
}

func (b *Bus) topicFor(runID uuid.UUID) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[runID] = t
	}
	return t
}

func (b *Bus) ensureLoaded(ctx context.Context, runID uuid.UUID, t *topic) error {
	if t.loaded {
		return nil
	}
	last, err := b.log.LastSequence(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load last sequence: %w", err)
	}
	t.lastSeq = last
	t.loaded = true
	return nil
}

// Publish appends an event with the next sequence number and fans it out.
// The payload is marshalled as JSON and never interpreted by the bus.
func (b *Bus) Publish(ctx context.Context, runID uuid.UUID, typ Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}

	t := b.topicFor(runID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := b.ensureLoaded(ctx, runID, t); err != nil {
		return Event{}, err
	}
	ev := Event{
		RunID:     runID,
		Sequence:  t.lastSeq + 1,
		Type:      typ,
		Payload:   raw,
		Timestamp: b.now().UTC(),
	}
	if err := b.log.Append(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	t.lastSeq = ev.Sequence

	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping lagging subscriber",
				zap.String("run_id", runID.String()),
				zap.Int64("sequence", ev.Sequence),
			)
			sub.closeLocked(ErrLagged)
		}
	}
	return ev, nil
}

// Subscribe streams a run's events with Sequence > afterSeq: first the
// stored backlog, then live events, without gaps or reordering. The
// subscription ends when ctx is done or Close is called.
func (b *Bus) Subscribe(ctx context.Context, runID uuid.UUID, afterSeq int64) (*Subscription, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	t := b.topicFor(runID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := b.ensureLoaded(ctx, runID, t); err != nil {
		return nil, err
	}
	backlog, err := b.log.After(ctx, runID, afterSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog: %w", err)
	}

	sub := &Subscription{
		RunID: runID,
		topic: t,
		ch:    make(chan Event, len(backlog)+b.bufferSize),
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	t.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		sub.closeLocked(ctx.Err())
	})
	return sub, nil
}

// Replay returns stored events after afterSeq without subscribing.
func (b *Bus) Replay(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]Event, error) {
	return b.log.After(ctx, runID, afterSeq, limit)
}

// LastSequence returns the last published sequence of a run.
func (b *Bus) LastSequence(ctx context.Context, runID uuid.UUID) (int64, error) {
	t := b.topicFor(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := b.ensureLoaded(ctx, runID, t); err != nil {
		return 0, err
	}
	return t.lastSeq, nil
}

// CloseRun ends every subscription of a run and forgets its topic. The
// stored log is untouched.
func (b *Bus) CloseRun(runID uuid.UUID) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		sub.closeLocked(nil)
	}
}
