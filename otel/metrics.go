package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/nodeflow/runtime"
)

// MetricsHandler records node and run metrics from run events.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runs           metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("nodeflow.node.executions",
		metric.WithDescription("Number of successful node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("nodeflow.node.failures",
		metric.WithDescription("Number of failed node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("nodeflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	runs, err := meter.Int64Counter("nodeflow.runs",
		metric.WithDescription("Number of finished workflow runs"),
	)
	if err != nil {
		return nil, err
	}
	runDur, err := meter.Float64Histogram("nodeflow.run.duration",
		metric.WithDescription("Duration of workflow run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runs:           runs,
		runDuration:    runDur,
	}, nil
}

// Handle processes one run event. It has runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventNodeFinished:
		attrs := metric.WithAttributes(attribute.String("node_type", e.NodeType.String()))
		h.nodeExecutions.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", e.NodeType.String())))
	case runtime.EventRunFinished:
		attrs := metric.WithAttributes(attribute.String("status", e.PayloadString("status")))
		h.runs.Add(ctx, 1, attrs)
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}
