package server

import (
	"github.com/gin-gonic/gin"

	"loom/internal/notify"
)

// handleWebSocket upgrades the connection and attaches it to the hub. The
// conversation must exist; subscribing to arbitrary ids would leak message
// traffic to anyone who guesses one.
func (s *Server) handleWebSocket(c *gin.Context) {
	conversationID := c.Param("conversationID")
	if _, err := s.deps.Store.GetConversation(c.Request.Context(), conversationID); err != nil {
		failErr(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		s.logger.Warn("websocket upgrade for %s failed: %v", conversationID, err)
		return
	}

	client := notify.NewClient(s.deps.Hub, conn, conversationID, s.logger)
	client.Serve()
}
