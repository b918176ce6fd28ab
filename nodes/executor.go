// Package nodes provides the executors that run each workflow node type.
//
// Every executor follows the same lifecycle: publish "loading", validate the
// node configuration, perform the side effect through the run's StepRunner,
// publish exactly one terminal status and return the context extended with
// the node's output variable.
package nodes

import (
	"context"
	"log/slog"

	"github.com/petal-labs/nodeflow/core"
)

// Input is everything an executor receives for one node invocation.
type Input struct {
	NodeID   string
	NodeType core.NodeType
	Data     map[string]any
	Context  core.ExecutionContext
	Step     core.StepRunner
	Publish  core.StatusSink
}

// Executor runs a single node.
type Executor interface {
	Execute(ctx context.Context, in Input) (core.ExecutionContext, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Input) (core.ExecutionContext, error)

// Execute calls f(ctx, in).
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (core.ExecutionContext, error) {
	return f(ctx, in)
}

// lifecycle tracks status publication for one invocation so that a single
// "loading" is followed by exactly one terminal status.
type lifecycle struct {
	in       Input
	logger   *slog.Logger
	terminal core.NodeStatus
}

func begin(in Input, logger *slog.Logger) *lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	if in.Publish == nil {
		in.Publish = core.DiscardSink
	}
	l := &lifecycle{in: in, logger: logger}
	l.publish(core.StatusLoading)
	return l
}

func (l *lifecycle) publish(status core.NodeStatus) {
	if err := l.in.Publish.Publish(l.in.NodeID, status); err != nil {
		l.logger.Warn("status publish failed",
			"node_id", l.in.NodeID,
			"node_type", l.in.NodeType,
			"status", status,
			"error", err,
		)
	}
}

func (l *lifecycle) finish(status core.NodeStatus) {
	if l.terminal != "" {
		return
	}
	l.terminal = status
	l.publish(status)
}

// fail publishes "error" and returns err unchanged.
func (l *lifecycle) fail(err error) (core.ExecutionContext, error) {
	l.finish(core.StatusError)
	return core.ExecutionContext{}, err
}

// invalid publishes "error" and returns a NodeValidationError for field.
func (l *lifecycle) invalid(field, message string) (core.ExecutionContext, error) {
	return l.fail(&core.NodeValidationError{
		NodeID:   l.in.NodeID,
		NodeType: l.in.NodeType,
		Field:    field,
		Message:  message,
	})
}

// succeed publishes "success" and returns the input context with key set
// to value.
func (l *lifecycle) succeed(key string, value any) (core.ExecutionContext, error) {
	l.finish(core.StatusSuccess)
	return l.in.Context.With(key, value), nil
}

// passThrough publishes "success" and returns the input context unchanged.
func (l *lifecycle) passThrough() (core.ExecutionContext, error) {
	l.finish(core.StatusSuccess)
	return l.in.Context, nil
}

// step runs fn through the invocation's StepRunner.
func (l *lifecycle) step(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	runner := l.in.Step
	if runner == nil {
		runner = core.DirectStep
	}
	return runner.Run(ctx, name, fn)
}
