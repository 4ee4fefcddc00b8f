package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader configures the WebSocket handshake. CheckOrigin allows any
// origin; this is an internal/trusted-network service, not a public one.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventTail streams a run's event log live over WebSocket, polling
// the Store the way the Worker's own lease renewal does; no separate
// pub/sub layer exists, so a short poll interval stands in for one.
// GET /ws/runs/{id}/events?cursor=N
func (s *Server) handleEventTail(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	cursor, _ := strconv.Atoi(r.URL.Query().Get("cursor"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("httpapi.ws.upgrade_failed")
		return
	}
	defer conn.Close()

	s.metrics.WSConnections.Inc()
	defer s.metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.wsReadPump(conn, cancel)

	s.wsWritePump(ctx, conn, runID, cursor)
}

// wsReadPump drains client frames (pings and close) so the connection's
// read deadline is honored; TaskHub's event tail is write-only otherwise.
func (s *Server) wsReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(ctx context.Context, conn *websocket.Conn, runID string, cursor int) {
	poll := time.NewTicker(500 * time.Millisecond)
	ping := time.NewTicker(30 * time.Second)
	defer poll.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			events, next, err := s.store.ListEvents(ctx, runID, cursor, 100)
			if err != nil {
				s.log.WithRunID(runID).WithError(err).Warn("httpapi.ws.list_events_failed")
				continue
			}
			cursor = next
			for _, ev := range events {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": ev}); err != nil {
					return
				}
			}

			run, err := s.store.GetRun(ctx, runID)
			if err != nil || run == nil {
				continue
			}
			if run.Status.IsTerminal() {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				_ = conn.WriteJSON(map[string]interface{}{
					"type": "status",
					"data": map[string]interface{}{"status": run.Status, "finished_at": run.FinishedAt},
				})
				return
			}
		}
	}
}
