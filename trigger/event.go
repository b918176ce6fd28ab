// Package trigger decouples accepting a workflow trigger from running it.
// Events are handed to a Dispatcher, which either queues them on an
// in-process Pool or publishes them to NATS for a consumer to pick up.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/nodeflow/runtime"
)

// EventName is the name of every trigger event.
const EventName = "workflow/trigger"

// ErrInvalidEvent is returned for events that cannot start a run.
var ErrInvalidEvent = errors.New("invalid trigger event")

// Event asks for one execution of a workflow.
type Event struct {
	Name string    `json:"name"`
	Data EventData `json:"data"`
}

// EventData carries the workflow reference and the seed context.
type EventData struct {
	WorkflowID string         `json:"workflowId"`
	UserID     string         `json:"userId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	// RunID is pre-assigned at acceptance so callers can follow the run.
	RunID string `json:"runId,omitempty"`
}

// NewEvent builds a trigger event for workflowID.
func NewEvent(workflowID, userID string, data map[string]any) Event {
	return Event{
		Name: EventName,
		Data: EventData{WorkflowID: workflowID, UserID: userID, Data: data},
	}
}

// Validate reports whether the event names a workflow.
func (e Event) Validate() error {
	if e.Name != EventName {
		return fmt.Errorf("%w: unexpected name %q", ErrInvalidEvent, e.Name)
	}
	if strings.TrimSpace(e.Data.WorkflowID) == "" {
		return fmt.Errorf("%w: workflowId is required", ErrInvalidEvent)
	}
	return nil
}

// Request converts the event into an orchestrator request.
func (e Event) Request() runtime.TriggerRequest {
	return runtime.TriggerRequest{
		WorkflowID: e.Data.WorkflowID,
		UserID:     e.Data.UserID,
		Data:       e.Data.Data,
		RunID:      e.Data.RunID,
	}
}

// Encode returns the JSON wire form of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and validates a JSON trigger event.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Dispatcher accepts trigger events for asynchronous execution. A nil
// error means the event was accepted, not that the run succeeded.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, e Event) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, e Event) error {
	return f(ctx, e)
}
