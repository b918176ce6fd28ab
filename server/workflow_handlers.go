package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/graph"
	"github.com/petal-labs/nodeflow/trigger"
)

// Trigger sources, used as the metric label of accepted triggers.
const (
	sourceExecute    = "execute"
	sourceWebhook    = "webhook"
	sourceGoogleForm = "google_form"
	sourceStripe     = "stripe"
)

type workflowRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	UserID      string            `json:"userId"`
	Nodes       []core.Node       `json:"nodes"`
	Connections []core.Connection `json:"connections"`
}

type graphRequest struct {
	Nodes       []core.Node       `json:"nodes"`
	Connections []core.Connection `json:"connections"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type executeRequest struct {
	UserID string         `json:"userId"`
	Data   map[string]any `json:"data"`
}

// acceptedResponse is returned by every trigger route.
type acceptedResponse struct {
	Status     string `json:"status"`
	RunID      string `json:"runId"`
	WorkflowID string `json:"workflowId"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context(), queryParam(r, "userId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	wf := core.Workflow{
		ID:          strings.TrimSpace(req.ID),
		Name:        req.Name,
		UserID:      strings.TrimSpace(req.UserID),
		Nodes:       req.Nodes,
		Connections: req.Connections,
	}
	if !validateGraph(w, &wf) {
		return
	}

	created, err := s.store.Create(r.Context(), wf)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req graphRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if !validateGraph(w, &core.Workflow{Nodes: req.Nodes, Connections: req.Connections}) {
		return
	}

	updated, err := s.store.Update(r.Context(), r.PathValue("id"), req.Nodes, req.Connections)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRenameWorkflow(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	renamed, err := s.store.Rename(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renamed)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBodyError(w, err)
		return
	}

	wf, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID != "" && wf.UserID != "" && userID != wf.UserID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("workflow %q is not owned by %q", wf.ID, userID))
		return
	}
	if userID == "" {
		userID = wf.UserID
	}

	s.dispatch(w, r, sourceExecute, trigger.NewEvent(wf.ID, userID, req.Data))
}

// dispatch hands e to the dispatcher and answers 202 once it is accepted.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, source string, e trigger.Event) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "DISPATCH_DISABLED", "no trigger dispatcher configured")
		return
	}
	if e.Data.RunID == "" {
		e.Data.RunID = uuid.NewString()
	}
	if err := s.dispatcher.Dispatch(r.Context(), e); err != nil {
		s.metrics.TriggerRejected(source)
		switch {
		case errors.Is(err, trigger.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
		case errors.Is(err, trigger.ErrPoolClosed):
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
		case errors.Is(err, trigger.ErrInvalidEvent):
			writeError(w, http.StatusBadRequest, "INVALID_TRIGGER", err.Error())
		default:
			s.logger.Error("dispatch trigger", "workflow_id", e.Data.WorkflowID, "source", source, "error", err)
			writeError(w, http.StatusBadGateway, "DISPATCH_ERROR", err.Error())
		}
		return
	}

	s.metrics.TriggerAccepted(source)
	s.logger.Info("workflow trigger accepted",
		"workflow_id", e.Data.WorkflowID,
		"run_id", e.Data.RunID,
		"source", source,
	)
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:     "accepted",
		RunID:      e.Data.RunID,
		WorkflowID: e.Data.WorkflowID,
	})
}

// validateGraph writes a 422 and returns false when wf has structural errors.
func validateGraph(w http.ResponseWriter, wf *core.Workflow) bool {
	diags := graph.Validate(wf)
	if !graph.HasErrors(diags) {
		return true
	}
	var details []string
	for _, d := range graph.Errors(diags) {
		details = append(details, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workflow graph validation failed", details...)
	return false
}
