package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleDashboardWS upgrades the connection and registers it with the
// Broadcaster as an observer for the lifetime of the socket. This side is
// server-push only -- inbound reads exist only to detect client close.
func (s *server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := dashboardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.WSConnections.WithLabelValues("dashboard").Inc()
		defer s.deps.Metrics.WSConnections.WithLabelValues("dashboard").Dec()
	}

	id := uuid.Must(uuid.NewV7())
	s.deps.Broadcaster.Add(id, conn)
	defer s.deps.Broadcaster.Remove(id)
	defer conn.Close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
