// Package runtime drives workflow runs: it sorts the graph, invokes node
// executors in order and emits a stream of run events.
package runtime

import (
	"context"
	"time"

	"github.com/petal-labs/nodeflow/core"
)

// EventKind identifies the type of event emitted by the runtime.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins, before the workflow is sorted.
	EventRunStarted EventKind = "run.started"

	// EventRunState is emitted on every run state transition.
	EventRunState EventKind = "run.state"

	// EventNodeStarted is emitted before a node's executor is invoked.
	EventNodeStarted EventKind = "node.started"

	// EventNodeStatus carries a live loading/success/error status published
	// by an executor. Status events are not persisted.
	EventNodeStatus EventKind = "node.status"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node returns an error.
	EventNodeFailed EventKind = "node.failed"

	// EventStepStarted is emitted when an executor begins an external step.
	EventStepStarted EventKind = "step.started"

	// EventStepFinished is emitted when an external step returns.
	EventStepFinished EventKind = "step.finished"

	// EventRunFinished is emitted when a run completes or fails.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events should be kept small; node outputs stay in the execution context.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// WorkflowID and UserID identify the workflow and its owner.
	WorkflowID string
	UserID     string

	// NodeID is the node that produced this event (empty for run-level events).
	NodeID string

	// NodeType is the type of node (empty for run-level events).
	NodeType core.NodeType

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run, node or step started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithRun sets the workflow and owner on the event.
func (e Event) WithRun(info RunInfo) Event {
	e.RunID = info.RunID
	e.WorkflowID = info.WorkflowID
	e.UserID = info.UserID
	return e
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeType core.NodeType) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// PayloadString returns the string payload value for key.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// for example enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

type emitterKey struct{}

// ContextWithEmitter attaches an event emitter to the context.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from the context.
// Returns a no-op emitter if none is set.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}
