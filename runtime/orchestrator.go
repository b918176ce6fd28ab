package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/graph"
	"github.com/petal-labs/nodeflow/nodes"
)

// Runtime errors
var (
	ErrNodeExecution  = errors.New("node execution failed")
	ErrWorkflowAccess = errors.New("workflow does not belong to user")
	ErrRunCanceled    = errors.New("run was canceled")
	ErrSinkClosed     = errors.New("status sink is closed")
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StatePending   RunState = "PENDING"
	StateSorting   RunState = "SORTING"
	StateExecuting RunState = "EXECUTING"
	StateCompleted RunState = "COMPLETED"
	StateFailed    RunState = "FAILED"
)

// Terminal reports whether no further transitions follow s.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// WorkflowLoader loads workflow definitions by ID.
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, id string) (*core.Workflow, error)
}

// WorkflowLoaderFunc adapts a function to the WorkflowLoader interface.
type WorkflowLoaderFunc func(ctx context.Context, id string) (*core.Workflow, error)

// LoadWorkflow calls f(ctx, id).
func (f WorkflowLoaderFunc) LoadWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	return f(ctx, id)
}

// ExecutorLookup resolves node types to executors. *nodes.Registry
// satisfies it.
type ExecutorLookup interface {
	Lookup(t core.NodeType) (nodes.Executor, error)
}

// TriggerRequest asks for one run of a workflow.
type TriggerRequest struct {
	WorkflowID string
	UserID     string
	// Data seeds the execution context.
	Data map[string]any
	// RunID is used when set; otherwise a new ID is generated.
	RunID string
}

// RunInfo identifies a run.
type RunInfo struct {
	RunID      string
	WorkflowID string
	UserID     string
}

// RunResult describes a finished run.
type RunResult struct {
	RunInfo
	State      RunState
	Context    core.ExecutionContext
	Executed   []string // node IDs whose executor returned successfully
	FailedNode string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// SinkFactory builds the status sink for one node of a run. emit is the
// run's event emitter.
type SinkFactory func(run RunInfo, node core.Node, emit EventEmitter) core.StatusSink

// Options controls orchestrator behavior.
type Options struct {
	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// Logger receives run diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the run's event emitter.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	EventBus EventPublisher

	// SinkFactory builds per-node status sinks. If nil, statuses are
	// emitted as node.status events without channel information.
	SinkFactory SinkFactory

	// StepTimeout bounds each external step. Zero means no limit beyond
	// the executor's own timeouts.
	StepTimeout time.Duration

	// NewRunID generates run IDs. If nil, random UUIDs are used.
	NewRunID func() string
}

// Orchestrator executes workflow runs. It is safe for concurrent use;
// runs share no mutable state.
type Orchestrator struct {
	loader   WorkflowLoader
	registry ExecutorLookup
	opts     Options
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(loader WorkflowLoader, registry ExecutorLookup, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Orchestrator{loader: loader, registry: registry, opts: opts}
}

// run holds the per-run state threaded through execution.
type run struct {
	info  RunInfo
	start time.Time
	seq   atomic.Uint64
	emit  EventEmitter
	state RunState
}

// Run loads the workflow named by req and executes it. The returned result
// is non-nil whenever a run was started; err is non-nil when it failed.
func (o *Orchestrator) Run(ctx context.Context, req TriggerRequest) (*RunResult, error) {
	if o.loader == nil {
		return nil, fmt.Errorf("orchestrator has no workflow loader")
	}
	wf, err := o.loader.LoadWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow %s: %w", req.WorkflowID, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("loading workflow %s: %w", req.WorkflowID, core.ErrWorkflowNotFound)
	}
	if req.UserID != "" && wf.UserID != "" && wf.UserID != req.UserID {
		return nil, fmt.Errorf("%w: workflow %s", ErrWorkflowAccess, req.WorkflowID)
	}
	return o.Execute(ctx, wf, req)
}

// Execute runs an already loaded workflow.
func (o *Orchestrator) Execute(ctx context.Context, wf *core.Workflow, req TriggerRequest) (*RunResult, error) {
	r := o.newRun(wf, req)
	result := &RunResult{RunInfo: r.info, StartedAt: r.start}

	r.emit(o.event(r, EventRunStarted).
		WithPayload("workflow_name", wf.Name).
		WithPayload("node_count", len(wf.Nodes)))
	o.transition(r, StatePending)

	working := core.NewExecutionContext(req.Data)
	executed, failedNode, err := o.execute(ctx, r, wf, &working)

	result.Context = working
	result.Executed = executed
	result.FailedNode = failedNode
	result.FinishedAt = o.opts.Now()

	finish := o.event(r, EventRunFinished).WithElapsed(result.FinishedAt.Sub(r.start))
	if err != nil {
		o.transition(r, StateFailed)
		result.Error = err.Error()
		finish = finish.
			WithPayload("status", "failed").
			WithPayload("error", err.Error()).
			WithPayload("workflow_completed", false)
		if failedNode != "" {
			finish = finish.WithPayload("failed_node", failedNode)
		}
		o.opts.Logger.Warn("workflow run failed",
			"run_id", r.info.RunID,
			"workflow_id", r.info.WorkflowID,
			"node_id", failedNode,
			"error", err,
		)
	} else {
		o.transition(r, StateCompleted)
		finish = finish.
			WithPayload("status", "completed").
			WithPayload("workflow_completed", true)
	}
	result.State = r.state
	r.emit(finish)

	return result, err
}

func (o *Orchestrator) newRun(wf *core.Workflow, req TriggerRequest) *run {
	runID := req.RunID
	if runID == "" {
		runID = o.opts.NewRunID()
	}
	userID := req.UserID
	if userID == "" {
		userID = wf.UserID
	}
	r := &run{
		info:  RunInfo{RunID: runID, WorkflowID: wf.ID, UserID: userID},
		start: o.opts.Now(),
	}

	emit := func(e Event) {
		e.Seq = r.seq.Add(1)
		if o.opts.EventBus != nil {
			o.opts.EventBus.Publish(e)
		}
		if o.opts.EventHandler != nil {
			o.opts.EventHandler(e)
		}
	}
	if o.opts.EventEmitterDecorator != nil {
		emit = o.opts.EventEmitterDecorator(emit)
	}
	r.emit = emit
	return r
}

// execute sorts the workflow and runs every node in order, merging each
// node's returned context into working. It stops at the first failure.
func (o *Orchestrator) execute(ctx context.Context, r *run, wf *core.Workflow, working *core.ExecutionContext) ([]string, string, error) {
	o.transition(r, StateSorting)
	ordered, err := graph.Sort(wf.Nodes, wf.Connections)
	if err != nil {
		return nil, "", fmt.Errorf("sorting workflow %s: %w", wf.ID, err)
	}

	// Resolve every executor up front so an unknown node type fails the run
	// before any side effect happens.
	executors := make([]nodes.Executor, len(ordered))
	for i, node := range ordered {
		exec, err := o.registry.Lookup(node.Type)
		if err != nil {
			return nil, node.ID, fmt.Errorf("node %s: %w", node.ID, err)
		}
		executors[i] = exec
	}

	o.transition(r, StateExecuting)
	executed := make([]string, 0, len(ordered))
	for i, node := range ordered {
		if err := ctx.Err(); err != nil {
			return executed, "", fmt.Errorf("%w: %w", ErrRunCanceled, err)
		}
		out, err := o.executeNode(ctx, r, node, executors[i], *working)
		if err != nil {
			return executed, node.ID, fmt.Errorf("%w: node %s: %w", ErrNodeExecution, node.ID, err)
		}
		*working = working.Merge(out)
		executed = append(executed, node.ID)
	}
	return executed, "", nil
}

// executeNode invokes one executor with event emission.
func (o *Orchestrator) executeNode(ctx context.Context, r *run, node core.Node, exec nodes.Executor, working core.ExecutionContext) (core.ExecutionContext, error) {
	nodeStart := o.opts.Now()
	r.emit(o.event(r, EventNodeStarted).
		WithNode(node.ID, node.Type).
		WithElapsed(nodeStart.Sub(r.start)).
		WithPayload("name", node.Name))

	nodeCtx := ContextWithEmitter(ctx, r.emit)
	sink := o.sink(r, node)
	out, err := exec.Execute(nodeCtx, nodes.Input{
		NodeID:   node.ID,
		NodeType: node.Type,
		Data:     node.Data,
		Context:  working,
		Step:     o.stepRunner(r, node),
		Publish:  sink,
	})
	// Statuses published after Execute returns would follow the terminal one.
	if c, ok := sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			o.opts.Logger.Warn("closing status sink",
				"run_id", r.info.RunID,
				"node_id", node.ID,
				"error", cerr,
			)
		}
	}

	nodeElapsed := o.opts.Now().Sub(nodeStart)
	if err != nil {
		r.emit(o.event(r, EventNodeFailed).
			WithNode(node.ID, node.Type).
			WithElapsed(nodeElapsed).
			WithPayload("error", err.Error()).
			WithPayload("validation", core.IsValidationFailure(err)))
		return core.ExecutionContext{}, err
	}

	r.emit(o.event(r, EventNodeFinished).
		WithNode(node.ID, node.Type).
		WithElapsed(nodeElapsed))
	return out, nil
}

func (o *Orchestrator) sink(r *run, node core.Node) core.StatusSink {
	if o.opts.SinkFactory != nil {
		if s := o.opts.SinkFactory(r.info, node, r.emit); s != nil {
			return s
		}
	}
	return &eventSink{info: r.info, nodeType: node.Type, emit: r.emit}
}

func (o *Orchestrator) stepRunner(r *run, node core.Node) core.StepRunner {
	return &stepRunner{
		info:    r.info,
		node:    node,
		emit:    r.emit,
		now:     o.opts.Now,
		timeout: o.opts.StepTimeout,
	}
}

func (o *Orchestrator) transition(r *run, state RunState) {
	from := r.state
	r.state = state
	r.emit(o.event(r, EventRunState).
		WithPayload("from", string(from)).
		WithPayload("state", string(state)))
}

func (o *Orchestrator) event(r *run, kind EventKind) Event {
	e := NewEvent(kind, r.info.RunID).WithRun(r.info)
	e.Time = o.opts.Now()
	return e
}
