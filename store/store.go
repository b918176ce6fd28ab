// Package store persists workflow definitions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/nodeflow/core"
)

// Sentinel errors for store operations.
var (
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrWorkflowNotFound = core.ErrWorkflowNotFound
	ErrTriggerNotFound  = errors.New("workflow has no trigger of requested type")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
)

// WorkflowStore provides CRUD operations for workflows.
type WorkflowStore interface {
	// Get returns the workflow with id or ErrWorkflowNotFound.
	Get(ctx context.Context, id string) (core.Workflow, error)

	// List returns the workflows owned by userID, newest first. An empty
	// userID lists every workflow.
	List(ctx context.Context, userID string) ([]core.Workflow, error)

	// Create stores wf. A missing ID is generated and timestamps are set.
	Create(ctx context.Context, wf core.Workflow) (core.Workflow, error)

	// Update replaces the nodes and connections of workflow id.
	Update(ctx context.Context, id string, nodes []core.Node, connections []core.Connection) (core.Workflow, error)

	// Rename changes only the name of workflow id.
	Rename(ctx context.Context, id, name string) (core.Workflow, error)

	// Delete removes workflow id.
	Delete(ctx context.Context, id string) error
}

// Loader adapts a WorkflowStore to runtime.WorkflowLoader.
type Loader struct {
	Store WorkflowStore
}

// LoadWorkflow returns the stored workflow with id.
func (l Loader) LoadWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	wf, err := l.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// FindTrigger loads workflowID and returns its first node of type t.
func FindTrigger(ctx context.Context, s WorkflowStore, workflowID string, t core.NodeType) (core.Workflow, core.Node, error) {
	if strings.TrimSpace(workflowID) == "" {
		return core.Workflow{}, core.Node{}, fmt.Errorf("%w: workflow id is required", ErrInvalidWorkflow)
	}
	wf, err := s.Get(ctx, workflowID)
	if err != nil {
		return core.Workflow{}, core.Node{}, err
	}
	found := wf.NodesOfType(t)
	if len(found) == 0 {
		return wf, core.Node{}, fmt.Errorf("%w: workflow %s has no %s node", ErrTriggerNotFound, workflowID, t)
	}
	return wf, found[0], nil
}

// ValidateFormTrigger checks that workflowID exists and has a Google Form
// trigger.
func ValidateFormTrigger(ctx context.Context, s WorkflowStore, workflowID string) (core.Workflow, core.Node, error) {
	return FindTrigger(ctx, s, workflowID, core.NodeTypeGoogleFormTrigger)
}

// ValidateStripeTrigger checks that workflowID exists and has a Stripe
// trigger.
func ValidateStripeTrigger(ctx context.Context, s WorkflowStore, workflowID string) (core.Workflow, core.Node, error) {
	return FindTrigger(ctx, s, workflowID, core.NodeTypeStripeTrigger)
}

// prepare normalizes a workflow before it is written.
func prepare(wf core.Workflow) (core.Workflow, error) {
	wf.Name = strings.TrimSpace(wf.Name)
	if wf.Name == "" {
		return wf, fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if wf.Nodes == nil {
		wf.Nodes = []core.Node{}
	}
	if wf.Connections == nil {
		wf.Connections = []core.Connection{}
	}
	return wf, nil
}

// cloneWorkflow deep-copies wf so callers never share node data maps with
// the store. Node data that cannot round-trip through JSON is an error.
func cloneWorkflow(wf core.Workflow) (core.Workflow, error) {
	nodes, conns, err := encodeGraph(wf.Nodes, wf.Connections)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	out := wf
	if err := decodeGraph(nodes, conns, &out); err != nil {
		return core.Workflow{}, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	return out, nil
}

func encodeGraph(nodes []core.Node, conns []core.Connection) ([]byte, []byte, error) {
	if nodes == nil {
		nodes = []core.Node{}
	}
	if conns == nil {
		conns = []core.Connection{}
	}
	n, err := json.Marshal(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("encode nodes: %w", err)
	}
	c, err := json.Marshal(conns)
	if err != nil {
		return nil, nil, fmt.Errorf("encode connections: %w", err)
	}
	return n, c, nil
}

func decodeGraph(nodes, conns []byte, wf *core.Workflow) error {
	wf.Nodes = []core.Node{}
	wf.Connections = []core.Connection{}
	if len(nodes) > 0 {
		if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
			return fmt.Errorf("decode nodes: %w", err)
		}
	}
	if len(conns) > 0 {
		if err := json.Unmarshal(conns, &wf.Connections); err != nil {
			return fmt.Errorf("decode connections: %w", err)
		}
	}
	return nil
}
