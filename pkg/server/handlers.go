package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

type postMessageRequest struct {
	Text string `json:"text"`
}

type postMessageResponse struct {
	Response   string `json:"response"`
	StopReason string `json:"stop_reason"`
	Turns      int    `json:"turns"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("missing conversation id"))
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("text must not be empty"))
		return
	}

	res := s.coordinator.HandleMessage(r.Context(), conversationID, req.Text)
	s.jsonResponse(w, http.StatusOK, postMessageResponse{
		Response:   res.ResponseText(),
		StopReason: string(res.StopReason),
		Turns:      res.Turns,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("missing conversation id"))
		return
	}

	if err := s.coordinator.Reset(r.Context(), conversationID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("missing conversation id"))
		return
	}
	s.jsonResponse(w, http.StatusOK, s.coordinator.History(conversationID))
}

func (s *Server) handleAuditToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("audit store not configured"))
		return
	}
	recs, err := s.audit.RecentToolCalls(r.Context(), auditLimit(r))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, recs)
}

func (s *Server) handleAuditTerminations(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("audit store not configured"))
		return
	}
	recs, err := s.audit.RecentTerminations(r.Context(), auditLimit(r))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, recs)
}

func auditLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return 50
}
