package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/nodes"
	"github.com/petal-labs/nodeflow/realtime"
	"github.com/petal-labs/nodeflow/registry"
	"github.com/petal-labs/nodeflow/runtime"
	"github.com/petal-labs/nodeflow/store"
	"github.com/petal-labs/nodeflow/trigger"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []trigger.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e trigger.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) last(t *testing.T) trigger.Event {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		t.Fatal("no event dispatched")
	}
	return d.events[len(d.events)-1]
}

type testServer struct {
	srv        *Server
	handler    http.Handler
	store      *store.MemoryStore
	dispatcher *recordingDispatcher
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	tokens, err := realtime.NewTokenService([]byte("test-secret"), realtime.NewDefaultRegistry())
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	ts := &testServer{store: store.NewMemoryStore(), dispatcher: &recordingDispatcher{}}
	cfg := Config{
		Store:      ts.store,
		Dispatcher: ts.dispatcher,
		Tokens:     tokens,
		Getenv:     func(string) string { return "" },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ts.srv = NewServer(cfg)
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T, wf core.Workflow) core.Workflow {
	t.Helper()
	created, err := ts.store.Create(context.Background(), wf)
	if err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return created
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[apiError](t, rec).Error.Code
}

func manualWorkflow(id, user string) core.Workflow {
	return core.Workflow{
		ID:     id,
		Name:   "Manual",
		UserID: user,
		Nodes: []core.Node{
			{ID: "n1", Type: core.NodeTypeManualTrigger},
			{ID: "n2", Type: core.NodeTypeHTTPRequest, Data: map[string]any{"endpoint": "https://example.com", "method": "GET"}},
		},
		Connections: []core.Connection{{Source: "n1", Target: "n2"}},
	}
}

func TestWorkflowCRUD(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/workflows", manualWorkflow("wf-1", "user-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body)
	}
	created := decode[core.Workflow](t, rec)
	if created.ID != "wf-1" || len(created.Nodes) != 2 {
		t.Fatalf("created = %+v", created)
	}

	if rec := ts.do(t, http.MethodPost, "/api/workflows", manualWorkflow("wf-1", "user-1")); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/workflows?userId=user-1", nil)
	if list := decode[[]core.Workflow](t, rec); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
	rec = ts.do(t, http.MethodGet, "/api/workflows?userId=user-2", nil)
	if list := decode[[]core.Workflow](t, rec); len(list) != 0 {
		t.Fatalf("other user list = %+v", list)
	}

	rec = ts.do(t, http.MethodPut, "/api/workflows/wf-1", map[string]any{
		"nodes":       []core.Node{{ID: "n1", Type: core.NodeTypeManualTrigger}},
		"connections": []core.Connection{},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body)
	}
	if updated := decode[core.Workflow](t, rec); len(updated.Nodes) != 1 {
		t.Fatalf("updated = %+v", updated)
	}

	rec = ts.do(t, http.MethodPatch, "/api/workflows/wf-1", map[string]string{"name": "Renamed"})
	if renamed := decode[core.Workflow](t, rec); renamed.Name != "Renamed" || len(renamed.Nodes) != 1 {
		t.Fatalf("renamed = %+v", renamed)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/workflows/wf-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/workflows/wf-1", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
		t.Fatalf("get deleted = %d %s", rec.Code, rec.Body)
	}
}

func TestCreateWorkflow_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "unknown node type",
			body:   core.Workflow{Name: "x", Nodes: []core.Node{{ID: "n1", Type: "FAX_MACHINE"}}},
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
		{
			name: "cycle",
			body: core.Workflow{
				Name:        "x",
				Nodes:       []core.Node{{ID: "a", Type: core.NodeTypeHTTPRequest}, {ID: "b", Type: core.NodeTypeHTTPRequest}},
				Connections: []core.Connection{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
			},
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
		{name: "blank name", body: core.Workflow{}, status: http.StatusBadRequest, code: "INVALID_WORKFLOW"},
		{name: "malformed", body: "{", status: http.StatusBadRequest, code: "PARSE_ERROR"},
		{name: "unknown field", body: `{"name":"x","colour":"red"}`, status: http.StatusBadRequest, code: "PARSE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/workflows", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestExecuteWorkflow(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, manualWorkflow("wf-1", "user-1"))

	rec := ts.do(t, http.MethodPost, "/api/workflows/wf-1/execute", map[string]any{
		"userId": "user-1",
		"data":   map[string]any{"lead": "ada"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decode[acceptedResponse](t, rec)
	if resp.Status != "accepted" || resp.RunID == "" || resp.WorkflowID != "wf-1" {
		t.Fatalf("response = %+v", resp)
	}
	e := ts.dispatcher.last(t)
	if e.Name != trigger.EventName || e.Data.RunID != resp.RunID || e.Data.Data["lead"] != "ada" {
		t.Fatalf("dispatched = %+v", e)
	}

	if rec := ts.do(t, http.MethodPost, "/api/workflows/wf-1/execute", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("empty body status = %d, body = %s", rec.Code, rec.Body)
	}
	if e := ts.dispatcher.last(t); e.Data.UserID != "user-1" {
		t.Fatalf("owner not defaulted: %+v", e.Data)
	}

	if rec := ts.do(t, http.MethodPost, "/api/workflows/wf-1/execute", map[string]any{"userId": "mallory"}); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign user status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/workflows/missing/execute", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing workflow status = %d", rec.Code)
	}

	ts.dispatcher.err = trigger.ErrQueueFull
	rec = ts.do(t, http.MethodPost, "/api/workflows/wf-1/execute", nil)
	if rec.Code != http.StatusServiceUnavailable || errorCode(t, rec) != "QUEUE_FULL" {
		t.Fatalf("queue full = %d %s", rec.Code, rec.Body)
	}
}

func TestRealtimeTokens(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/realtime/tokens?userId=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decode[realtimeTokensResponse](t, rec)
	channels := realtime.DefaultChannels()
	if len(resp.Tokens) != len(channels) || len(resp.ChannelNameMap) != len(channels) {
		t.Fatalf("tokens = %d, names = %d, want %d", len(resp.Tokens), len(resp.ChannelNameMap), len(channels))
	}
	for key, tok := range resp.Tokens {
		claims, err := ts.srv.tokens.Verify(tok, key)
		if err != nil {
			t.Fatalf("Verify(%s) error = %v", key, err)
		}
		if claims.Subject != "user-1" {
			t.Fatalf("subject = %q", claims.Subject)
		}
	}

	if rec := ts.do(t, http.MethodGet, "/api/realtime/tokens", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user status = %d", rec.Code)
	}

	disabled := newTestServer(t, func(c *Config) { c.Tokens = nil })
	if rec := disabled.do(t, http.MethodGet, "/api/realtime/tokens?userId=u", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d", rec.Code)
	}
	if rec := disabled.do(t, http.MethodGet, "/api/realtime/manual-trigger-execution/stream", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled stream status = %d", rec.Code)
	}
}

func TestMiddleware(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.MaxBody = 64
		c.CORSOrigins = []string{"https://app.example"}
	})

	rec := ts.do(t, http.MethodOptions, "/api/workflows", nil, "Origin", "https://app.example")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow origin = %q", got)
	}
	rec = ts.do(t, http.MethodGet, "/health", nil, "Origin", "https://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}

	big := `{"name":"` + strings.Repeat("x", 200) + `"}`
	rec = ts.do(t, http.MethodPost, "/api/workflows", big)
	if rec.Code != http.StatusRequestEntityTooLarge || errorCode(t, rec) != "BODY_TOO_LARGE" {
		t.Fatalf("oversized body = %d %s", rec.Code, rec.Body)
	}
}

func TestNodeTypes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/node-types", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	defs := decode[[]registry.NodeTypeDef](t, rec)
	byType := make(map[core.NodeType]registry.NodeTypeDef, len(defs))
	for _, def := range defs {
		byType[def.Type] = def
	}
	if _, ok := byType[core.NodeTypeInitial]; ok {
		t.Fatal("hidden INITIAL type listed without ?all=true")
	}
	if len(byType) != len(core.NodeTypes())-1 {
		t.Fatalf("listed %d types", len(byType))
	}
	if got := byType[core.NodeTypeHTTPRequest].Channel; got != "http-request-execution" {
		t.Fatalf("HTTP channel = %q", got)
	}
	if got := byType[core.NodeTypeGemini].Channel; got != "gemini-execution" {
		t.Fatalf("Gemini channel = %q", got)
	}

	all := decode[[]registry.NodeTypeDef](t, ts.do(t, http.MethodGet, "/api/node-types?all=true", nil))
	if len(all) != len(core.NodeTypes()) {
		t.Fatalf("all = %d types", len(all))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, manualWorkflow("wf-1", "user-1"))

	if rec := ts.do(t, http.MethodPost, "/api/workflows/wf-1/execute", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("execute status = %d", rec.Code)
	}
	ts.srv.metrics.Observe(runtime.Event{Kind: runtime.EventRunStarted})
	ts.srv.metrics.Observe(runtime.Event{Kind: runtime.EventNodeFinished, NodeType: core.NodeTypeHTTPRequest, Elapsed: time.Second})
	ts.srv.metrics.Observe(runtime.Event{Kind: runtime.EventRunFinished, Payload: map[string]any{"status": "completed"}})

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	body := rec.Body.String()
	for _, want := range []string{
		`nodeflow_triggers_accepted_total{source="execute"} 1`,
		`nodeflow_runs_total{status="completed"} 1`,
		`nodeflow_node_duration_seconds_count{node_type="HTTP_REQUEST",status="success"} 1`,
		`nodeflow_runs_active 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

// TestExecuteWorkflow_RunsThroughPool drives the execute route through a
// real pool and orchestrator.
func TestExecuteWorkflow_RunsThroughPool(t *testing.T) {
	memStore := store.NewMemoryStore()
	if _, err := memStore.Create(context.Background(), core.Workflow{
		ID: "wf-1", Name: "Manual only", UserID: "user-1",
		Nodes: []core.Node{{ID: "n1", Type: core.NodeTypeManualTrigger}},
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	metrics := NewMetrics(nil)
	orch := runtime.NewOrchestrator(store.Loader{Store: memStore}, nodes.NewRegistry(nodes.Deps{}), runtime.Options{
		EventHandler: metrics.Observe,
	})
	done := make(chan *runtime.RunResult, 1)
	pool, err := trigger.NewPool(trigger.PoolConfig{
		Runner: orch,
		OnResult: func(_ trigger.Event, result *runtime.RunResult, _ error) {
			done <- result
		},
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Close(context.Background())

	handler := NewServer(Config{Store: memStore, Dispatcher: pool, Metrics: metrics}).Handler()
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/wf-1/execute",
		strings.NewReader(`{"data":{"seed":"value"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	accepted := decode[acceptedResponse](t, rec)

	select {
	case result := <-done:
		if result == nil || result.State != runtime.StateCompleted {
			t.Fatalf("result = %+v", result)
		}
		if result.RunID != accepted.RunID {
			t.Fatalf("run id = %q, want %q", result.RunID, accepted.RunID)
		}
		if v, _ := result.Context.Get("seed"); v != "value" {
			t.Fatalf("seed not carried into context: %v", result.Context.Snapshot())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}
