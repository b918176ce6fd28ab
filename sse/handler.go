// Package sse streams run events and live node statuses to HTTP clients as
// Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/nodeflow/bus"
	"github.com/petal-labs/nodeflow/runtime"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
var HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON form of a runtime event on the stream.
type wireEvent struct {
	Kind       string         `json:"kind"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	NodeType   string         `json:"node_type,omitempty"`
	Time       time.Time      `json:"time"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	Payload    map[string]any `json:"payload"`
	Seq        uint64         `json:"seq"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

func toWireEvent(e runtime.Event) wireEvent {
	return wireEvent{
		Kind:       string(e.Kind),
		RunID:      e.RunID,
		WorkflowID: e.WorkflowID,
		NodeID:     e.NodeID,
		NodeType:   string(e.NodeType),
		Time:       e.Time,
		ElapsedMs:  e.Elapsed.Milliseconds(),
		Payload:    e.Payload,
		Seq:        e.Seq,
		TraceID:    e.TraceID,
		SpanID:     e.SpanID,
	}
}

// RunAuthorizer decides whether the request may read a run's events.
// A nil authorizer allows every request.
type RunAuthorizer func(r *http.Request, runID string) error

// RunEventsHandler serves the event stream of one run. Stored events are
// replayed first, then live events follow until run.finished or the
// client disconnects. Events already sent are skipped by sequence number.
//
// The handler reads the "run_id" path value and an optional "after" query
// parameter holding the last seen sequence number.
//
//	id: {seq}
//	event: {kind}
//	data: {json}
type RunEventsHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	authorize RunAuthorizer
}

// NewRunEventsHandler creates a handler reading from store and eb.
func NewRunEventsHandler(store bus.EventStore, eb bus.EventBus, authorize RunAuthorizer) *RunEventsHandler {
	return &RunEventsHandler{store: store, bus: eb, authorize: authorize}
}

func (h *RunEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r, runID); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	stream, ok := startStream(w)
	if !ok {
		return
	}
	ctx := r.Context()

	// Subscribe before replay so nothing published in between is lost.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replay(ctx, stream, runID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	stream.pump(ctx, sub, func(evt runtime.Event) (bool, error) {
		if evt.Seq <= lastSeq {
			return false, nil
		}
		if err := stream.writeEvent(evt); err != nil {
			return true, err
		}
		lastSeq = evt.Seq
		return evt.Kind == runtime.EventRunFinished, nil
	})
}

func (h *RunEventsHandler) replay(ctx context.Context, stream *stream, runID string, afterSeq uint64, lastSeq *uint64) (bool, error) {
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := stream.writeEvent(evt); err != nil {
			return false, err
		}
		*lastSeq = max(*lastSeq, evt.Seq)
		if evt.Kind == runtime.EventRunFinished {
			return true, nil
		}
	}
	return false, nil
}

// stream writes SSE frames and flushes after each one.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startStream(w http.ResponseWriter) (*stream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &stream{w: w, flusher: flusher}, true
}

func (s *stream) writeEvent(evt runtime.Event) error {
	data, err := json.Marshal(toWireEvent(evt))
	if err != nil {
		return err
	}
	return s.writeFrame(strconv.FormatUint(evt.Seq, 10), string(evt.Kind), data)
}

func (s *stream) writeFrame(id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// pump delivers subscription events to handle, interleaving heartbeats,
// until handle reports done, the subscription closes or ctx ends.
func (s *stream) pump(ctx context.Context, sub bus.Subscription, handle func(runtime.Event) (bool, error)) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			done, err := handle(evt)
			if err != nil || done {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
				return
			}
			s.flusher.Flush()
		}
	}
}
