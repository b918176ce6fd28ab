// Package server exposes the workflow API, inbound trigger webhooks and
// realtime status streams over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/petal-labs/nodeflow/bus"
	"github.com/petal-labs/nodeflow/realtime"
	"github.com/petal-labs/nodeflow/registry"
	"github.com/petal-labs/nodeflow/sse"
	"github.com/petal-labs/nodeflow/store"
	"github.com/petal-labs/nodeflow/trigger"
)

// DefaultMaxBody caps request bodies at 1 MiB.
const DefaultMaxBody int64 = 1 << 20

// Config configures a Server instance.
type Config struct {
	Store      store.WorkflowStore
	Dispatcher trigger.Dispatcher

	// Tokens issues and verifies realtime subscription tokens. Realtime
	// routes answer 503 when it is nil.
	Tokens *realtime.TokenService
	// Channels resolves the status channel listed with each node type.
	// Defaults to realtime.NewDefaultRegistry().
	Channels *realtime.Registry

	Bus        bus.EventBus
	EventStore bus.EventStore

	// StripeSecret enables Stripe-Signature verification when set.
	StripeSecret string

	Metrics     *Metrics
	CORSOrigins []string
	MaxBody     int64
	Logger      *slog.Logger

	// Getenv resolves "env:NAME" webhook tokens. Defaults to os.Getenv.
	Getenv func(string) string
	Now    func() time.Time
}

// Server is the nodeflow HTTP API server.
type Server struct {
	store        store.WorkflowStore
	dispatcher   trigger.Dispatcher
	tokens       *realtime.TokenService
	channels     *realtime.Registry
	bus          bus.EventBus
	eventStore   bus.EventStore
	stripeSecret string
	metrics      *Metrics
	corsOrigins  []string
	maxBody      int64
	logger       *slog.Logger
	getenv       func(string) string
	now          func() time.Time
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Channels == nil {
		cfg.Channels = realtime.NewDefaultRegistry()
	}
	return &Server{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		tokens:       cfg.Tokens,
		channels:     cfg.Channels,
		bus:          cfg.Bus,
		eventStore:   cfg.EventStore,
		stripeSecret: cfg.StripeSecret,
		metrics:      cfg.Metrics,
		corsOrigins:  cfg.CORSOrigins,
		maxBody:      cfg.MaxBody,
		logger:       cfg.Logger,
		getenv:       cfg.Getenv,
		now:          cfg.Now,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("PATCH /api/workflows/{id}", s.handleRenameWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.handleExecuteWorkflow)

	mux.HandleFunc("POST /api/webhooks/workflows/{id}", s.handleWorkflowWebhook)
	mux.HandleFunc("POST /api/webhooks/google-form", s.handleGoogleFormWebhook)
	mux.HandleFunc("POST /api/webhooks/stripe", s.handleStripeWebhook)

	mux.HandleFunc("GET /api/realtime/tokens", s.handleRealtimeTokens)
	mux.Handle("GET /api/realtime/{channel}/stream", s.requireRealtime(func() http.Handler {
		return sse.NewStatusHandler(s.bus, s.tokens)
	}))
	mux.Handle("GET /api/runs/{run_id}/events", s.requireEvents(func() http.Handler {
		return sse.NewRunEventsHandler(s.eventStore, s.bus, nil)
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes lists the node palette. Hidden types are included with
// ?all=true.
func (s *Server) handleNodeTypes(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	defs := registry.Global().All()
	out := make([]registry.NodeTypeDef, 0, len(defs))
	for _, def := range defs {
		if def.Hidden && !all {
			continue
		}
		if ch, err := s.channels.ForNodeType(def.Type); err == nil {
			def.Channel = ch.Key
		}
		out = append(out, def)
	}
	writeJSON(w, http.StatusOK, out)
}

// requireRealtime builds the wrapped handler only when tokens and a bus are
// configured.
func (s *Server) requireRealtime(build func() http.Handler) http.Handler {
	if s.tokens == nil || s.bus == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "REALTIME_DISABLED", "realtime status streaming is not configured")
		})
	}
	return build()
}

func (s *Server) requireEvents(build func() http.Handler) http.Handler {
	if s.eventStore == nil || s.bus == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "run event streaming is not configured")
		})
	}
	return build()
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin.
// No configured origins means any origin.
func (s *Server) allowedOrigin(origin string) string {
	if len(s.corsOrigins) == 0 || slices.Contains(s.corsOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(s.corsOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the error envelope returned by every route.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{Error: apiErrorBody{Code: code, Message: message}}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeBodyError reports a failure to read or decode a request body.
func writeBodyError(w http.ResponseWriter, err error) {
	if isMaxBytesError(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
		return
	}
	writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrTriggerNotFound):
		writeError(w, http.StatusNotFound, "TRIGGER_NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrWorkflowExists):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, store.ErrInvalidWorkflow):
		writeError(w, http.StatusBadRequest, "INVALID_WORKFLOW", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func queryParam(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.URL.Query().Get(name)); v != "" {
			return v
		}
	}
	return ""
}
