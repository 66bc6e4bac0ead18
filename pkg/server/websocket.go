package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsUserMessage struct {
	Text string `json:"text"`
}

type wsAgentReply struct {
	Response   string `json:"response"`
	StopReason string `json:"stop_reason"`
	Turns      int    `json:"turns"`
}

// handleChatWebSocket runs a simple request/reply chat over a websocket:
// each incoming user message is processed to completion and answered with
// the agent's reply. Serialisation per conversation still holds; a second
// socket on the same id just waits its turn.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		http.Error(w, "missing conversation id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	for {
		var msg wsUserMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			slog.Error("WebSocket read error", "error", err)
			return
		}
		if msg.Text == "" {
			continue
		}

		res := s.coordinator.HandleMessage(r.Context(), conversationID, msg.Text)
		if err := ws.WriteJSON(wsAgentReply{
			Response:   res.ResponseText(),
			StopReason: string(res.StopReason),
			Turns:      res.Turns,
		}); err != nil {
			slog.Error("WebSocket write error", "error", err)
			return
		}
	}
}
