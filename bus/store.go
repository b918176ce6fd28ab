package bus

import (
	"context"
	"time"

	"github.com/petal-labs/nodeflow/runtime"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a run, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}

// Retention bounds how many events a store keeps.
type Retention struct {
	// Before deletes events older than this instant (zero = no age pruning).
	Before time.Time

	// MaxPerRun keeps at most this many of the newest events per run
	// (0 = no count pruning).
	MaxPerRun int
}

// Prunable is an EventStore that can drop old events.
type Prunable interface {
	// Prune deletes events outside r and returns how many were removed.
	Prune(ctx context.Context, r Retention) (int64, error)
}
