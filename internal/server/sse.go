package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const sseHeartbeatInterval = 30 * time.Second

// handleSSE streams realtime events for one user as Server-Sent Events. The
// payloads carry identity only; clients reconcile by re-fetching the task
// list, so a dropped or missed event is recoverable.
func (s *Server) handleSSE(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.hub.Subscribe(userID)
	defer sub.Close()

	s.logger.Info("SSE stream opened for user %s", userID)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"user_id\":%q}\n\n", userID); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("Serializing realtime event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
				s.logger.Warn("SSE write failed for user %s: %v", userID, err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			s.logger.Info("SSE stream closed for user %s", userID)
			return
		}
	}
}
