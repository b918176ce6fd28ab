// Package bus distributes run events from the orchestrator to observers
// such as the event store, SSE streams and realtime status subscribers.
package bus

import "github.com/petal-labs/nodeflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Filter selects events.
type Filter func(runtime.Event) bool

// KindFilter matches events whose kind is one of kinds.
func KindFilter(kinds ...runtime.EventKind) Filter {
	return func(e runtime.Event) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}
