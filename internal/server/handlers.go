package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danshapiro/termgpt/internal/conversation"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/orchestrator"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"orchestrator": "healthy", "event_bus": "healthy"}
	if s.orch == nil {
		services["orchestrator"] = "unhealthy"
	}
	if s.config.Dispatcher == nil {
		services["event_bus"] = "degraded"
	}
	status := "healthy"
	for _, v := range services {
		if v == "unhealthy" {
			status = "unhealthy"
			break
		}
		if v == "degraded" {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   s.config.Version,
		Services:  services,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return req, false
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	start := time.Now()
	s.logger.Info("chat request received", "session_id", req.SessionID, "message_length", len(req.Message))

	unlock, ok := s.lockTurn(w, req.SessionID)
	if !ok {
		return
	}
	reply, err := s.orch.ProcessUserMessage(r.Context(), req.SessionID, req.Message)
	unlock()
	if err != nil {
		writeTurnError(w, err)
		return
	}

	resp := ChatResponse{
		SessionID:        req.SessionID,
		Reply:            reply,
		Status:           "success",
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
	if reply == orchestrator.ApologyReply {
		resp.Status = "degraded"
	}
	if st, err := s.orch.Conversation(r.Context(), req.SessionID); err == nil {
		msgs := st.Messages()
		resp.TokensUsed = conversation.EstimateTokens(msgs)
		resp.ToolsUsed = lastTurnTools(msgs)
	}
	s.logger.Info("chat response sent", "session_id", req.SessionID, "response_length", len(reply), "processing_time_ms", resp.ProcessingTimeMS)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	unlock, ok := s.lockTurn(w, req.SessionID)
	if !ok {
		return
	}
	defer unlock()

	chunks, err := s.orch.ProcessUserMessageStream(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		for range chunks {
		}
		return
	}
	for c := range chunks {
		writeSSEData(w, flusher, chunkFrom(c))
	}
	if r.Context().Err() == nil {
		writeSSEDone(w, flusher)
	}
}

// lockTurn claims the session for one turn. A session already mid-turn
// gets 409 rather than a request parked behind it.
func (s *Server) lockTurn(w http.ResponseWriter, sessionID string) (func(), bool) {
	unlock, ok := s.locks.TryLock(sessionID)
	if !ok {
		s.logger.Warn("session busy", "session_id", sessionID)
		writeError(w, http.StatusConflict, fmt.Sprintf("session %s is busy", sessionID))
		return nil, false
	}
	return unlock, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.StartConversation(r.Context(), id); err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "session_id": id})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := conversation.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	unlock := s.locks.Lock(id)
	err := s.orch.EndConversation(r.Context(), id)
	unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": id})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := conversation.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.config.Feeds == nil {
		writeError(w, http.StatusNotFound, "event feeds are not enabled")
		return
	}
	WriteSSE(w, r, s.config.Feeds.Feed(id))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := StatsResponse{Stats: stats, Plugins: s.orch.Plugins().Names()}
	if s.config.Feeds != nil {
		resp.EventFeeds = len(s.config.Feeds.IDs())
	}
	if s.config.Dispatcher != nil {
		resp.EventsDropped = s.config.Dispatcher.Dropped()
	}
	if s.config.Usage != nil {
		totals, err := s.config.Usage.Totals(r.Context())
		if err != nil {
			s.logger.Warn("usage totals unavailable", "error", err)
		} else {
			resp.Usage = &totals
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// lastTurnTools names the tools called since the last user message.
func lastTurnTools(msgs []llm.Message) []string {
	var names []string
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role != llm.RoleUser; i-- {
		var turn []string
		for _, tc := range msgs[i].ToolCalls {
			turn = append(turn, tc.Name)
		}
		names = append(turn, names...)
	}
	return names
}

// writeTurnError maps orchestrator input errors onto status codes.
func writeTurnError(w http.ResponseWriter, err error) {
	var idErr *conversation.InvalidSessionIDError
	var msgErr *llm.ValidationError
	switch {
	case errors.As(err, &idErr), errors.As(err, &msgErr), errors.Is(err, orchestrator.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrTooManyMessages):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
