package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/nodeflow/bus"
	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/realtime"
	"github.com/petal-labs/nodeflow/runtime"
	"github.com/petal-labs/nodeflow/sse"
)

func testEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	return runtime.Event{
		Kind:     kind,
		RunID:    runID,
		NodeID:   fmt.Sprintf("node-%d", seq),
		NodeType: core.NodeTypeHTTPRequest,
		Time:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:  time.Duration(seq) * time.Millisecond,
		Payload:  map[string]any{"seq_val": float64(seq)},
		Seq:      seq,
	}
}

type sseMessage struct {
	ID    string
	Event string
	Data  string
}

func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != (sseMessage{}) {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func newRunServer(store bus.EventStore, eb bus.EventBus, auth sse.RunAuthorizer) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", sse.NewRunEventsHandler(store, eb, auth))
	return httptest.NewServer(mux)
}

// streamAsync performs GET url and delivers the whole body once the server
// closes the stream or ctx ends.
func streamAsync(ctx context.Context, t *testing.T, url string) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- ""
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		out <- string(body)
	}()
	return out
}

func TestRunEventsHandler_ReplayFromStore(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ctx := context.Background()
	for i, kind := range []runtime.EventKind{
		runtime.EventRunStarted, runtime.EventNodeStarted, runtime.EventNodeFinished, runtime.EventRunFinished,
	} {
		if err := store.Append(ctx, testEvent("run-replay", uint64(i+1), kind)); err != nil {
			t.Fatal(err)
		}
	}

	ts := newRunServer(store, eb, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-replay/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "1" || msgs[0].Event != "run.started" {
		t.Errorf("first message = %+v", msgs[0])
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(msgs[1].Data), &parsed); err != nil {
		t.Fatalf("data JSON: %v", err)
	}
	if parsed["run_id"] != "run-replay" || parsed["node_type"] != "HTTP_REQUEST" || parsed["elapsed_ms"] != float64(2) {
		t.Errorf("data = %v", parsed)
	}
	if msgs[3].Event != "run.finished" {
		t.Errorf("last event = %s", msgs[3].Event)
	}
}

func TestRunEventsHandler_LiveAndDedup(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	_ = store.Append(context.Background(), testEvent("run-live", 1, runtime.EventRunStarted))

	ts := newRunServer(store, eb, nil)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := streamAsync(ctx, t, ts.URL+"/runs/run-live/events")

	time.Sleep(100 * time.Millisecond)
	eb.Publish(testEvent("run-live", 1, runtime.EventRunStarted))
	eb.Publish(testEvent("run-live", 2, runtime.EventNodeStarted))
	eb.Publish(testEvent("run-other", 3, runtime.EventNodeStarted))
	eb.Publish(testEvent("run-live", 3, runtime.EventRunFinished))

	msgs := parseSSEMessages(<-result)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %+v", msgs)
	}
	for i, want := range []string{"1", "2", "3"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestRunEventsHandler_AfterCursorAndErrors(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	for i := uint64(1); i <= 5; i++ {
		kind := runtime.EventNodeStarted
		if i == 5 {
			kind = runtime.EventRunFinished
		}
		_ = store.Append(context.Background(), testEvent("r", i, kind))
	}

	ts := newRunServer(store, eb, func(_ *http.Request, runID string) error {
		if runID == "secret" {
			return errors.New("not your run")
		}
		return nil
	})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/r/events?after=3")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	msgs := parseSSEMessages(string(body))
	if len(msgs) != 2 || msgs[0].ID != "4" {
		t.Fatalf("messages after 3 = %+v", msgs)
	}

	for path, want := range map[string]int{
		"/runs/r/events?after=abc": http.StatusBadRequest,
		"/runs/secret/events":      http.StatusForbidden,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func statusEvent(run runtime.RunInfo, channel string, nodeID string, status core.NodeStatus) runtime.Event {
	var got runtime.Event
	p := realtime.NewPublisher(realtime.NewDefaultRegistry(), run, channelType(channel), func(e runtime.Event) { got = e })
	_ = p.Publish(nodeID, status)
	return got
}

func channelType(channel string) core.NodeType {
	reg := realtime.NewDefaultRegistry()
	ch, _ := reg.Channel(channel)
	return ch.NodeTypes[0]
}

func TestStatusHandler_StreamsOwnChannel(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	tokens, err := realtime.NewTokenService([]byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}
	issued, _ := tokens.Tokens("alice")

	mux := http.NewServeMux()
	mux.Handle("GET /realtime/{channel}/stream", sse.NewStatusHandler(eb, tokens))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	result := streamAsync(ctx, t, ts.URL+"/realtime/http-request-execution/stream?token="+issued["http-request-execution"])

	time.Sleep(100 * time.Millisecond)
	alice := runtime.RunInfo{RunID: "r1", WorkflowID: "wf", UserID: "alice"}
	bob := runtime.RunInfo{RunID: "r2", WorkflowID: "wf", UserID: "bob"}
	eb.Publish(statusEvent(alice, "http-request-execution", "call", core.StatusLoading))
	eb.Publish(statusEvent(bob, "http-request-execution", "call", core.StatusLoading))
	eb.Publish(statusEvent(alice, "openai-execution", "ai", core.StatusLoading))
	eb.Publish(statusEvent(alice, "http-request-execution", "call", core.StatusSuccess))

	msgs := parseSSEMessages(<-result)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 status messages, got %+v", msgs)
	}
	var first realtime.StatusMessage
	if err := json.Unmarshal([]byte(msgs[0].Data), &first); err != nil {
		t.Fatal(err)
	}
	if msgs[0].Event != realtime.StatusTopic || first.NodeID != "call" || first.Status != core.StatusLoading || first.RunID != "r1" {
		t.Fatalf("first = %s %+v", msgs[0].Event, first)
	}
	if !strings.Contains(msgs[1].Data, `"status":"success"`) {
		t.Fatalf("second = %s", msgs[1].Data)
	}
}

func TestStatusHandler_RejectsBadTokens(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	tokens, _ := realtime.NewTokenService([]byte("k"), nil)
	issued, _ := tokens.Tokens("alice")

	mux := http.NewServeMux()
	mux.Handle("GET /realtime/{channel}/stream", sse.NewStatusHandler(eb, tokens))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	for name, tc := range map[string]struct {
		url  string
		want int
	}{
		"missing":       {"/realtime/openai-execution/stream", http.StatusUnauthorized},
		"garbage":       {"/realtime/openai-execution/stream?token=nope", http.StatusUnauthorized},
		"wrong channel": {"/realtime/openai-execution/stream?token=" + issued["gemini-execution"], http.StatusForbidden},
	} {
		resp, err := http.Get(ts.URL + tc.url)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", name, resp.StatusCode, tc.want)
		}
	}
}
