package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"otto/internal/realtime"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

// handleWebSocket upgrades the connection and streams the same realtime
// events as the SSE endpoint. One goroutine drains client frames to surface
// disconnects and keep pong handling alive; this handler owns all writes.
func (s *Server) handleWebSocket(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed for user %s: %v", userID, err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(userID)
	defer sub.Close()

	s.logger.Info("WebSocket opened for user %s", userID)

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, event); err != nil {
				s.logger.Warn("WebSocket write failed for user %s: %v", userID, err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			s.logger.Info("WebSocket closed for user %s", userID)
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, event realtime.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(event)
}
