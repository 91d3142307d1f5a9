package runstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/leadflow/internal/types"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out, so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[uuid.UUID]*types.Run
	entities  map[uuid.UUID]types.Entity
	byRun     map[uuid.UUID][]uuid.UUID
	campaigns map[uuid.UUID]*types.Campaign
	messages  map[string]deliveryRef
}

type deliveryRef struct {
	campaignID uuid.UUID
	channel    types.Channel
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[uuid.UUID]*types.Run),
		entities:  make(map[uuid.UUID]types.Entity),
		byRun:     make(map[uuid.UUID][]uuid.UUID),
		campaigns: make(map[uuid.UUID]*types.Campaign),
		messages:  make(map[string]deliveryRef),
	}
}

var _ Store = (*MemoryStore)(nil)

func runNotFound(id uuid.UUID) error {
	return &types.NotFoundError{Resource: "run", ID: id.String()}
}

// CreateRun implements Store.
func (s *MemoryStore) CreateRun(_ context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements Store.
func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// ListRuns implements Store. Newest runs first.
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateRunPhase implements Store.
func (s *MemoryStore) UpdateRunPhase(_ context.Context, id uuid.UUID, phase types.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return runNotFound(id)
	}
	if err := ValidatePhaseChange(id, r.Phase, phase); err != nil {
		return err
	}
	r.Phase = phase
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateCounters implements Store.
func (s *MemoryStore) UpdateCounters(_ context.Context, id uuid.UUID, c types.Counters) (types.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return types.Counters{}, runNotFound(id)
	}
	r.Counters = r.Counters.Merge(c)
	r.UpdatedAt = time.Now().UTC()
	return r.Counters, nil
}

// AppendRunError implements Store.
func (s *MemoryStore) AppendRunError(_ context.Context, id uuid.UUID, e types.RunError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return runNotFound(id)
	}
	r.Errors = append(r.Errors, e)
	return nil
}

// FinishRun implements Store.
func (s *MemoryStore) FinishRun(_ context.Context, id uuid.UUID, phase types.Phase, outcome types.Outcome, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return runNotFound(id)
	}
	if err := ValidatePhaseChange(id, r.Phase, phase); err != nil {
		return err
	}
	r.Phase = phase
	r.Outcome = outcome
	r.EndedAt = &endedAt
	r.UpdatedAt = endedAt
	return nil
}

// SaveEntities implements Store. Existing entities are replaced.
func (s *MemoryStore) SaveEntities(_ context.Context, entities []types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if _, exists := s.entities[e.ID]; !exists {
			s.byRun[e.RunID] = append(s.byRun[e.RunID], e.ID)
		}
		s.entities[e.ID] = e.Clone()
	}
	return nil
}

// GetEntity implements Store.
func (s *MemoryStore) GetEntity(_ context.Context, id uuid.UUID) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

// ListEntities implements Store, in discovery order.
func (s *MemoryStore) ListEntities(_ context.Context, runID uuid.UUID) ([]types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runID]
	out := make([]types.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entities[id].Clone())
	}
	return out, nil
}

// UpdateEntity implements Store.
func (s *MemoryStore) UpdateEntity(_ context.Context, e types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; !ok {
		return &types.NotFoundError{Resource: "entity", ID: e.ID.String()}
	}
	s.entities[e.ID] = e.Clone()
	return nil
}

// SaveCampaign implements Store.
func (s *MemoryStore) SaveCampaign(_ context.Context, c *types.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.Clone()
	s.campaigns[c.ID] = cp
	for ch, d := range cp.Channels {
		if d.ProviderMessageID != "" {
			s.messages[d.ProviderMessageID] = deliveryRef{campaignID: c.ID, channel: ch}
		}
	}
	return nil
}

// GetCampaign implements Store.
func (s *MemoryStore) GetCampaign(_ context.Context, id uuid.UUID) (*types.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

// ListCampaigns implements Store.
func (s *MemoryStore) ListCampaigns(_ context.Context, runID uuid.UUID) ([]*types.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Campaign
	for _, c := range s.campaigns {
		if c.RunID == runID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindDeliveryByMessageID implements Store.
func (s *MemoryStore) FindDeliveryByMessageID(_ context.Context, messageID string) (uuid.UUID, types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.messages[messageID]
	if !ok {
		return uuid.Nil, "", nil
	}
	return ref.campaignID, ref.channel, nil
}

// SaveDelivery implements Store. Only the given channel is written, so
// concurrent writers of different channels do not overwrite each other.
func (s *MemoryStore) SaveDelivery(_ context.Context, campaignID uuid.UUID, d *types.ChannelDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return &types.NotFoundError{Resource: "campaign", ID: campaignID.String()}
	}
	cp := d.Clone()
	c.Channels[d.Channel] = &cp
	if d.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = d.UpdatedAt
	}
	if d.ProviderMessageID != "" {
		s.messages[d.ProviderMessageID] = deliveryRef{campaignID: campaignID, channel: d.Channel}
	}
	return nil
}

// ListRetryingDeliveries implements Store.
func (s *MemoryStore) ListRetryingDeliveries(_ context.Context, limit int) ([]types.DeliveryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type waiting struct {
		ref types.DeliveryRef
		at  time.Time
	}
	var found []waiting
	for _, c := range s.campaigns {
		for ch, d := range c.Channels {
			if d.Enabled && d.State == types.DeliveryRetrying {
				found = append(found, waiting{ref: types.DeliveryRef{CampaignID: c.ID, Channel: ch}, at: d.UpdatedAt})
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]types.DeliveryRef, len(found))
	for i, w := range found {
		out[i] = w.ref
	}
	return out, nil
}

// UpdateCampaignSend implements Store.
func (s *MemoryStore) UpdateCampaignSend(_ context.Context, id uuid.UUID, testMode bool, scheduledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return &types.NotFoundError{Resource: "campaign", ID: id.String()}
	}
	c.TestMode = testMode
	c.ScheduledAt = nil
	if scheduledAt != nil {
		at := *scheduledAt
		c.ScheduledAt = &at
	}
	return nil
}
