package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/nodeflow/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // runID -> events in append order
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		maxSeq = max(maxSeq, e.Seq)
	}
	return maxSeq, nil
}

// Prune drops events outside r.
func (s *MemEventStore) Prune(_ context.Context, r Retention) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for runID, events := range s.events {
		kept := events[:0:0]
		for _, e := range events {
			if !r.Before.IsZero() && e.Time.Before(r.Before) {
				continue
			}
			kept = append(kept, e)
		}
		if r.MaxPerRun > 0 && len(kept) > r.MaxPerRun {
			kept = kept[len(kept)-r.MaxPerRun:]
		}
		removed += int64(len(events) - len(kept))
		if len(kept) == 0 {
			delete(s.events, runID)
		} else {
			s.events[runID] = kept
		}
	}
	return removed, nil
}

var (
	_ EventStore = (*MemEventStore)(nil)
	_ Prunable   = (*MemEventStore)(nil)
)
