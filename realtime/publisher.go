package realtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/runtime"
)

// ErrPublisherClosed is returned when publishing on a closed publisher.
var ErrPublisherClosed = errors.New("status publisher is closed")

// Payload keys carried by node.status events.
const (
	PayloadChannel = "channel"
	PayloadTopic   = "topic"
	PayloadStatus  = "status"
)

// Publisher is the core.StatusSink for one node of one run. Each publish
// becomes a node.status event on the node type's channel.
type Publisher struct {
	mu       sync.Mutex
	run      runtime.RunInfo
	nodeType core.NodeType
	channel  *Channel
	emit     runtime.EventEmitter
	closed   bool
}

// NewPublisher returns a publisher for nodes of nodeType in run. A missing
// channel is not an error here; Publish reports it.
func NewPublisher(reg *Registry, run runtime.RunInfo, nodeType core.NodeType, emit runtime.EventEmitter) *Publisher {
	p := &Publisher{run: run, nodeType: nodeType, emit: emit}
	if ch, err := reg.ForNodeType(nodeType); err == nil {
		p.channel = &ch
	}
	return p
}

// Publish emits status for nodeID.
func (p *Publisher) Publish(nodeID string, status core.NodeStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: node %s", ErrPublisherClosed, nodeID)
	}
	if p.channel == nil {
		return fmt.Errorf("%w %q", ErrNoChannel, p.nodeType)
	}
	if p.emit == nil {
		return nil
	}
	p.emit(runtime.NewEvent(runtime.EventNodeStatus, p.run.RunID).
		WithRun(p.run).
		WithNode(nodeID, p.nodeType).
		WithPayload(PayloadChannel, p.channel.Key).
		WithPayload(PayloadTopic, p.channel.Topic).
		WithPayload(PayloadStatus, string(status)))
	return nil
}

// Close stops the publisher. Later publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SinkFactory returns a runtime.SinkFactory that binds every node to its
// channel publisher.
func (r *Registry) SinkFactory() runtime.SinkFactory {
	return func(run runtime.RunInfo, node core.Node, emit runtime.EventEmitter) core.StatusSink {
		return NewPublisher(r, run, node.Type, emit)
	}
}

// StatusMessage is the client-facing form of a node.status event.
type StatusMessage struct {
	Channel    string          `json:"channel"`
	Topic      string          `json:"topic"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"nodeId"`
	Status     core.NodeStatus `json:"status"`
}

// StatusFromEvent converts a node.status event. ok is false for any other
// event.
func StatusFromEvent(e runtime.Event) (StatusMessage, bool) {
	if e.Kind != runtime.EventNodeStatus {
		return StatusMessage{}, false
	}
	topic := e.PayloadString(PayloadTopic)
	if topic == "" {
		topic = StatusTopic
	}
	return StatusMessage{
		Channel:    e.PayloadString(PayloadChannel),
		Topic:      topic,
		RunID:      e.RunID,
		WorkflowID: e.WorkflowID,
		NodeID:     e.NodeID,
		Status:     core.NodeStatus(e.PayloadString(PayloadStatus)),
	}, true
}
