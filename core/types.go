// Package core provides the foundational types and interfaces for nodeflow workflows.
//
// This package contains:
//   - Graph types: NodeType, Node, Connection, Workflow
//   - Run types: ExecutionContext, NodeStatus, StatusSink, StepRunner
//   - Interfaces: LLMClient
//   - The error taxonomy shared by the sorter, executors and orchestrator
package core

import (
	"context"
	"time"
)

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTypeInitial           NodeType = "INITIAL"
	NodeTypeManualTrigger     NodeType = "MANUAL_TRIGGER"
	NodeTypeWebhookTrigger    NodeType = "WEBHOOK_TRIGGER"
	NodeTypeGoogleFormTrigger NodeType = "GOOGLE_FORM_TRIGGER"
	NodeTypeStripeTrigger     NodeType = "STRIPE_TRIGGER"
	NodeTypeHTTPRequest       NodeType = "HTTP_REQUEST"
	NodeTypeOpenAI            NodeType = "OPENAI"
	NodeTypeAnthropic         NodeType = "ANTHROPIC"
	NodeTypeGemini            NodeType = "GEMINI"
)

// NodeTypes returns every known node type in declaration order.
func NodeTypes() []NodeType {
	return []NodeType{
		NodeTypeInitial,
		NodeTypeManualTrigger,
		NodeTypeWebhookTrigger,
		NodeTypeGoogleFormTrigger,
		NodeTypeStripeTrigger,
		NodeTypeHTTPRequest,
		NodeTypeOpenAI,
		NodeTypeAnthropic,
		NodeTypeGemini,
	}
}

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// IsTrigger reports whether nodes of this type start a workflow.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeTypeInitial, NodeTypeManualTrigger, NodeTypeWebhookTrigger,
		NodeTypeGoogleFormTrigger, NodeTypeStripeTrigger:
		return true
	default:
		return false
	}
}

// ParseNodeType converts a string to a NodeType. Lowercase and
// dash-separated spellings are accepted.
func ParseNodeType(s string) NodeType {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case c == '-':
			b[i] = '_'
		}
	}
	return NodeType(b)
}

// Position is the editor placement of a node. It has no effect on execution.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a unit of work in a workflow graph.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type" yaml:"type"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Position Position       `json:"position" yaml:"position"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// DefaultHandle is the handle name used when a connection omits one.
const DefaultHandle = "main"

// Connection is a directed dependency: Source must execute before Target.
type Connection struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// Normalize fills empty handles with DefaultHandle.
func (c Connection) Normalize() Connection {
	if c.SourceHandle == "" {
		c.SourceHandle = DefaultHandle
	}
	if c.TargetHandle == "" {
		c.TargetHandle = DefaultHandle
	}
	return c
}

// Workflow is a user-owned graph of nodes and connections.
type Workflow struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	UserID      string       `json:"userId" yaml:"userId"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
	CreatedAt   time.Time    `json:"createdAt,omitzero" yaml:"-"`
	UpdatedAt   time.Time    `json:"updatedAt,omitzero" yaml:"-"`
}

// Node returns the node with the given ID.
func (w *Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesOfType returns the nodes of type t in declaration order.
func (w *Workflow) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, n := range w.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// NodeStatus is the live state of a node within a run.
type NodeStatus string

const (
	StatusLoading NodeStatus = "loading"
	StatusSuccess NodeStatus = "success"
	StatusError   NodeStatus = "error"
)

// Terminal reports whether s ends a node's lifecycle.
func (s NodeStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// StatusSink receives node status transitions.
// Implementations must be safe for concurrent use.
type StatusSink interface {
	Publish(nodeID string, status NodeStatus) error
}

// StatusSinkFunc adapts a function to the StatusSink interface.
type StatusSinkFunc func(nodeID string, status NodeStatus) error

// Publish calls f(nodeID, status).
func (f StatusSinkFunc) Publish(nodeID string, status NodeStatus) error {
	return f(nodeID, status)
}

// DiscardSink is a StatusSink that drops every status.
var DiscardSink StatusSink = StatusSinkFunc(func(string, NodeStatus) error { return nil })

// StepRunner wraps a named unit of side-effecting work. The runtime
// implementation applies timeouts and emits step events around fn.
type StepRunner interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error)
}

// StepFunc adapts a function to the StepRunner interface.
type StepFunc func(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error)

// Run calls f(ctx, name, fn).
func (f StepFunc) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	return f(ctx, name, fn)
}

// DirectStep runs fn immediately with no additional behavior.
var DirectStep StepRunner = StepFunc(func(ctx context.Context, _ string, fn func(ctx context.Context) (any, error)) (any, error) {
	return fn(ctx)
})

// LLMClient is the interface executors use to call a language model.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMRequest is a single-turn completion request.
type LLMRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   *int
}

// LLMResponse is the result of a completion.
type LLMResponse struct {
	Text     string
	Provider string
	Model    string
	Usage    LLMTokenUsage
	Meta     map[string]any
}

// LLMTokenUsage reports token counts for a completion.
type LLMTokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
