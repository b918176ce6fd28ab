// Package otel provides OpenTelemetry integration for nodeflow run events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/nodeflow/runtime"
)

// Attribute keys set on run and node spans.
const (
	AttrRunID      = attribute.Key("nodeflow.run_id")
	AttrWorkflowID = attribute.Key("nodeflow.workflow_id")
	AttrWorkflow   = attribute.Key("nodeflow.workflow")
	AttrUserID     = attribute.Key("nodeflow.user_id")
	AttrNodeID     = attribute.Key("nodeflow.node_id")
	AttrNodeType   = attribute.Key("nodeflow.node_type")
	AttrStatus     = attribute.Key("nodeflow.status")
	AttrStep       = attribute.Key("nodeflow.step")
)

// TracingHandler turns run events into spans: one root span per run and a
// child span per node. Step and status events become span events on the
// node span.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	nodeSpans map[string]trace.Span // runID:nodeID
}

// NewTracingHandler creates a TracingHandler that starts spans on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes one run event. It has runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.runStarted(e)
	case runtime.EventNodeStarted:
		h.nodeStarted(e)
	case runtime.EventNodeFinished:
		h.endNode(e, "")
	case runtime.EventNodeFailed:
		msg := e.PayloadString("error")
		if msg == "" {
			msg = "node failed"
		}
		h.endNode(e, msg)
	case runtime.EventStepStarted, runtime.EventStepFinished, runtime.EventNodeStatus:
		h.nodeEvent(e)
	case runtime.EventRunFinished:
		h.runFinished(e)
	}
}

func (h *TracingHandler) runStarted(e runtime.Event) {
	name := e.PayloadString("workflow_name")
	spanName := "run:" + e.RunID
	if name != "" {
		spanName = "run:" + name
	}

	attrs := []attribute.KeyValue{
		AttrRunID.String(e.RunID),
		AttrWorkflowID.String(e.WorkflowID),
	}
	if name != "" {
		attrs = append(attrs, AttrWorkflow.String(name))
	}
	if e.UserID != "" {
		attrs = append(attrs, AttrUserID.String(e.UserID))
	}
	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) nodeStarted(e runtime.Event) {
	h.mu.RLock()
	parent, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parent = context.Background()
	}

	_, span := h.tracer.Start(parent, "node:"+e.NodeID,
		trace.WithAttributes(
			AttrRunID.String(e.RunID),
			AttrNodeID.String(e.NodeID),
			AttrNodeType.String(e.NodeType.String()),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[nodeKey(e)] = span
	h.mu.Unlock()
}

// endNode ends the node span, marking it failed when errMsg is set.
func (h *TracingHandler) endNode(e runtime.Event, errMsg string) {
	key := nodeKey(e)
	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	delete(h.nodeSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetAttributes(attribute.String("nodeflow.duration", e.Elapsed.String()))
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) nodeEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.nodeSpans[nodeKey(e)]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("nodeflow.event_kind", e.Kind.String())}
	if step := e.PayloadString("step"); step != "" {
		attrs = append(attrs, AttrStep.String(step))
	}
	if status := e.PayloadString("status"); status != "" {
		attrs = append(attrs, AttrStatus.String(status))
	}
	if msg := e.PayloadString("error"); msg != "" {
		attrs = append(attrs, attribute.String("nodeflow.error", msg))
	}
	span.AddEvent(e.Kind.String(), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) runFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	h.mu.Unlock()
	if !ok {
		return
	}

	status := e.PayloadString("status")
	span.SetAttributes(
		attribute.String("nodeflow.duration", e.Elapsed.String()),
		AttrStatus.String(status),
	)
	if failed := e.PayloadString("failed_node"); failed != "" {
		span.SetAttributes(attribute.String("nodeflow.failed_node", failed))
	}
	if status == "failed" {
		msg := e.PayloadString("error")
		if msg == "" {
			msg = "run failed"
		}
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the span context of the running node, or an
// empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[runID+":"+nodeID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the span context of the run, or an empty
// SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func nodeKey(e runtime.Event) string {
	return e.RunID + ":" + e.NodeID
}

type spanError string

func (e spanError) Error() string { return string(e) }
