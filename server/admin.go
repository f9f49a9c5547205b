package server

import (
	"encoding/json"
	"net/http"
)

// HandleMetrics 输出指定房间的在线人数与服务端指标
// GET /metrics?room=lobby
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = DefaultRoom
	}
	payload := map[string]any{
		"room":    roomID,
		"online":  s.Online(roomID),
		"metrics": s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
