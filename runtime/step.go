package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/petal-labs/nodeflow/core"
)

// stepRunner is the StepRunner handed to executors. It brackets each step
// with step.started and step.finished events and applies the configured
// timeout.
type stepRunner struct {
	info    RunInfo
	node    core.Node
	emit    EventEmitter
	now     func() time.Time
	timeout time.Duration
}

func (s *stepRunner) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := s.now()
	s.emit(s.event(EventStepStarted, start).WithPayload("step", name))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out, err := fn(ctx)

	finished := s.event(EventStepFinished, s.now()).
		WithElapsed(s.now().Sub(start)).
		WithPayload("step", name)
	if err != nil {
		finished = finished.WithPayload("error", err.Error())
	}
	s.emit(finished)
	return out, err
}

func (s *stepRunner) event(kind EventKind, at time.Time) Event {
	e := NewEvent(kind, s.info.RunID).WithRun(s.info).WithNode(s.node.ID, s.node.Type)
	e.Time = at
	return e
}

// eventSink publishes node statuses as node.status events. It is the sink
// used when no SinkFactory is configured.
type eventSink struct {
	info     RunInfo
	nodeType core.NodeType
	emit     EventEmitter
	closed   atomic.Bool
}

func (s *eventSink) Publish(nodeID string, status core.NodeStatus) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: node %s", ErrSinkClosed, nodeID)
	}
	s.emit(NewEvent(EventNodeStatus, s.info.RunID).
		WithRun(s.info).
		WithNode(nodeID, s.nodeType).
		WithPayload("status", string(status)))
	return nil
}

// Close makes later publishes fail with ErrSinkClosed.
func (s *eventSink) Close() error {
	s.closed.Store(true)
	return nil
}
