package server

import (
	"errors"
	"net/http"

	"github.com/petal-labs/nodeflow/realtime"
)

type realtimeTokensResponse struct {
	Tokens         map[string]string `json:"tokens"`
	ChannelNameMap map[string]string `json:"channelNameMap"`
}

func (s *Server) handleRealtimeTokens(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_DISABLED", "realtime tokens are not configured")
		return
	}
	tokens, err := s.tokens.Tokens(queryParam(r, "userId", "user_id"))
	if err != nil {
		if errors.Is(err, realtime.ErrMissingSubject) {
			writeError(w, http.StatusBadRequest, "MISSING_USER", "userId is required")
			return
		}
		writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, realtimeTokensResponse{
		Tokens:         tokens,
		ChannelNameMap: s.tokens.ChannelNameMap(),
	})
}
