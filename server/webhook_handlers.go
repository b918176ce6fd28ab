package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/nodes"
	"github.com/petal-labs/nodeflow/store"
	"github.com/petal-labs/nodeflow/trigger"
)

// handleWorkflowWebhook accepts a generic webhook for a workflow with a
// webhook trigger and seeds webhookPayload and webhookHeaders.
func (s *Server) handleWorkflowWebhook(w http.ResponseWriter, r *http.Request) {
	wf, node, err := store.FindTrigger(r.Context(), s.store, r.PathValue("id"), core.NodeTypeWebhookTrigger)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	authCfg, err := nodes.ParseWebhookAuthConfig(node.Data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_WEBHOOK_TRIGGER", err.Error())
		return
	}
	if err := s.authorizeWebhookRequest(r, authCfg); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	payload, err := decodeWebhookBody(r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	s.dispatch(w, r, sourceWebhook, trigger.NewEvent(wf.ID, wf.UserID, map[string]any{
		nodes.WebhookPayloadKey: payload,
		nodes.WebhookHeadersKey: webhookHeaders(r, authCfg),
	}))
}

// handleGoogleFormWebhook accepts a form submission for a workflow with a
// Google Form trigger and seeds a normalized googleFormPayload.
func (s *Server) handleGoogleFormWebhook(w http.ResponseWriter, r *http.Request) {
	wf, _, err := store.ValidateFormTrigger(r.Context(), s.store, queryParam(r, "workflowId", "workflow_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	s.dispatch(w, r, sourceGoogleForm, trigger.NewEvent(wf.ID, wf.UserID, map[string]any{
		nodes.GoogleFormPayloadKey: normalizeGoogleForm(raw, s.now()),
	}))
}

// handleStripeWebhook accepts a Stripe event for a workflow with a Stripe
// trigger. The raw event is seeded as stripePayload.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	wf, _, err := store.ValidateStripeTrigger(r.Context(), s.store, queryParam(r, "workflowId", "workflow_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	if s.stripeSecret != "" {
		if err := verifyStripeSignature(body, r.Header.Get(stripeSignatureHeader), s.stripeSecret); err != nil {
			writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", err.Error())
			return
		}
	}
	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	s.dispatch(w, r, sourceStripe, trigger.NewEvent(wf.ID, wf.UserID, map[string]any{
		nodes.StripePayloadKey: event,
	}))
}

func (s *Server) authorizeWebhookRequest(r *http.Request, cfg nodes.WebhookAuthConfig) error {
	switch cfg.Type {
	case nodes.WebhookAuthTypeNone:
		return nil
	case nodes.WebhookAuthTypeHeaderToken:
		expected, err := s.resolveWebhookAuthToken(cfg.Token)
		if err != nil {
			return err
		}
		provided := r.Header.Get(cfg.Header)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			return errors.New("invalid webhook token")
		}
		return nil
	default:
		return fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}

func (s *Server) resolveWebhookAuthToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", errors.New("configured webhook token is empty")
	}
	name, ok := strings.CutPrefix(token, "env:")
	if !ok {
		return token, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("invalid env token reference")
	}
	value := strings.TrimSpace(s.getenv(name))
	if value == "" {
		return "", fmt.Errorf("webhook auth env var %q is empty", name)
	}
	return value, nil
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

// decodeWebhookBody parses JSON and form bodies; anything else is kept as
// a string.
func decodeWebhookBody(r *http.Request, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	switch {
	case strings.HasPrefix(contentType, "application/json"), contentType == "" && json.Valid(body):
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return payload, nil
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		form := make(map[string]any, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) == 1 {
				form[key] = values[0]
				continue
			}
			form[key] = append([]string(nil), values...)
		}
		return form, nil
	default:
		return string(body), nil
	}
}

// webhookHeaders flattens request headers with lowercase names. The auth
// header is left out so the secret never enters the run context.
func webhookHeaders(r *http.Request, auth nodes.WebhookAuthConfig) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for key, values := range r.Header {
		if auth.Type == nodes.WebhookAuthTypeHeaderToken && strings.EqualFold(key, auth.Header) {
			continue
		}
		headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return headers
}
