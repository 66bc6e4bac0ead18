// Package server exposes the chat boundary over HTTP and WebSocket. It has
// no agent logic of its own: every request goes through the session
// coordinator.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/clawbox/clawbox/pkg/session"
	"github.com/clawbox/clawbox/pkg/store"
)

// Server serves the chat API.
type Server struct {
	coordinator *session.Coordinator
	audit       store.AuditStore // may be nil
	srv         *http.Server
}

// New creates a new Server.
func New(coordinator *session.Coordinator, audit store.AuditStore) *Server {
	return &Server{
		coordinator: coordinator,
		audit:       audit,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("POST /api/conversations/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /api/conversations/{id}/history", s.handleGetHistory)

	mux.HandleFunc("GET /api/audit/tool-calls", s.handleAuditToolCalls)
	mux.HandleFunc("GET /api/audit/terminations", s.handleAuditTerminations)

	mux.HandleFunc("/api/conversations/{id}/chat", s.handleChatWebSocket)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("Starting chat server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
