package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Log is the durable per-run event log the bus appends to before fan-out.
type Log interface {
	// Append stores ev. ev.Sequence is already assigned and must be unique per run.
	Append(ctx context.Context, ev Event) error
	// After returns events with Sequence > afterSeq in order. limit <= 0 means all.
	After(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]Event, error)
	// LastSequence returns the highest stored sequence of a run, or 0.
	LastSequence(ctx context.Context, runID uuid.UUID) (int64, error)
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu   sync.RWMutex
	runs map[uuid.UUID][]Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{runs: make(map[uuid.UUID][]Event)}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.runs[ev.RunID]
	if n := len(evs); n > 0 && evs[n-1].Sequence >= ev.Sequence {
		return fmt.Errorf("sequence %d not after %d for run %s", ev.Sequence, evs[n-1].Sequence, ev.RunID)
	}
	l.runs[ev.RunID] = append(evs, ev)
	return nil
}

// After implements Log.
func (l *MemoryLog) After(_ context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, ev := range l.runs[runID] {
		if ev.Sequence <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LastSequence implements Log.
func (l *MemoryLog) LastSequence(_ context.Context, runID uuid.UUID) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evs := l.runs[runID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}
