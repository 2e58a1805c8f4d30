package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamEventHeartbeat = "heartbeat"

// handleStream replays the session backlog and follows live telemetry as server-sent events.
// The stream ends when the topic is evicted, the subscriber falls too far behind, or the
// client disconnects. Unknown sessions get an empty stream.
func (h *httpHandler) handleStream(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	events, cleanup := h.telemetry.Subscribe(ctx, sessionID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				h.logger.Debug("telemetry stream closed", zap.String("session_id", sessionID))
				return
			}
			c.SSEvent(string(event.Type), event)
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"session_id": sessionID, "timestamp": tick.UTC().Unix()})
			c.Writer.Flush()
		}
	}
}
