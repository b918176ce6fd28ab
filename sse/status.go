package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/petal-labs/nodeflow/bus"
	"github.com/petal-labs/nodeflow/realtime"
	"github.com/petal-labs/nodeflow/runtime"
)

// TokenVerifier checks a subscription token for a channel.
// *realtime.TokenService satisfies it.
type TokenVerifier interface {
	Verify(token, channel string) (*realtime.Claims, error)
}

type filteredSubscriber interface {
	SubscribeFiltered(bus.Filter) bus.Subscription
}

// StatusHandler streams live node statuses of one realtime channel to the
// holder of a subscription token. Only statuses of runs owned by the
// token's subject are delivered. An optional "run_id" query parameter
// narrows the stream to one run.
//
// The handler reads the "channel" path value and the "token" query
// parameter (or a bearer Authorization header).
type StatusHandler struct {
	bus      bus.EventBus
	verifier TokenVerifier
}

// NewStatusHandler creates a status stream handler.
func NewStatusHandler(eb bus.EventBus, verifier TokenVerifier) *StatusHandler {
	return &StatusHandler{bus: eb, verifier: verifier}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(token, channel)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, realtime.ErrChannelMismatch) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	runID := r.URL.Query().Get("run_id")
	filter := func(e runtime.Event) bool {
		if e.Kind != runtime.EventNodeStatus || e.UserID != claims.Subject {
			return false
		}
		if runID != "" && e.RunID != runID {
			return false
		}
		return e.PayloadString(realtime.PayloadChannel) == channel
	}

	stream, ok := startStream(w)
	if !ok {
		return
	}

	var sub bus.Subscription
	if fs, ok := h.bus.(filteredSubscriber); ok {
		sub = fs.SubscribeFiltered(filter)
	} else {
		sub = h.bus.SubscribeAll()
	}
	defer sub.Close()

	stream.pump(r.Context(), sub, func(evt runtime.Event) (bool, error) {
		if !filter(evt) {
			return false, nil
		}
		msg, _ := realtime.StatusFromEvent(evt)
		data, err := json.Marshal(msg)
		if err != nil {
			return true, err
		}
		return false, stream.writeFrame(strconv.FormatUint(evt.Seq, 10), msg.Topic, data)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
