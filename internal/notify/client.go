package notify

import (
	"time"

	"github.com/gorilla/websocket"

	"loom/internal/logging"
)

const (
	// Time allowed to write an event to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Ping cadence; must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Subscribers only listen; tiny reads are fine.
	maxMessageSize = 512
)

// Client is one websocket subscriber bound to a single conversation.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	conversationID string
	send           chan Event
	logger         logging.Logger
}

// NewClient wraps an upgraded connection and registers it with the hub.
// Call Serve to start the pumps.
func NewClient(hub *Hub, conn *websocket.Conn, conversationID string, logger logging.Logger) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		conversationID: conversationID,
		send:           make(chan Event, 64),
		logger:         logging.OrNop(logger),
	}
}

// Serve registers the client and blocks until the connection dies. The
// write pump runs in its own goroutine; the read pump only services
// control frames.
func (c *Client) Serve() {
	select {
	case c.hub.register <- c:
	case <-c.hub.quit:
		_ = c.conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed: %v", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
