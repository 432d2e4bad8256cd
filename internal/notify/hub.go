package notify

import (
	"sync"

	"loom/internal/logging"
	"loom/pkg/types"
)

// Event is the wire shape pushed to clients.
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Message        *types.Message `json:"message"`
}

// EventMessageUpdated is currently the only event type.
const EventMessageUpdated = "message.updated"

// Hub tracks websocket subscribers per conversation and fans events out to
// them. Slow clients are dropped rather than allowed to stall a turn.
type Hub struct {
	logger logging.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	quit       chan struct{}
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]map[*Client]bool // conversationID -> subscribers
}

var _ Notifier = (*Hub)(nil)

// NewHub constructs a stopped hub; call Run in a goroutine.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:     logging.OrNop(logger),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

// Run owns the client table until Stop.
func (h *Hub) Run() {
	h.logger.Info("notify hub started")
	defer close(h.done)
	defer h.logger.Info("notify hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			subs, ok := h.clients[client.conversationID]
			if !ok {
				subs = make(map[*Client]bool)
				h.clients[client.conversationID] = subs
			}
			subs[client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed to %s", client.conversationID)

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.mu.RLock()
			subs := h.clients[event.ConversationID]
			stalled := make([]*Client, 0)
			for client := range subs {
				select {
				case client.send <- event:
				default:
					stalled = append(stalled, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range stalled {
				h.logger.Warn("dropping slow client on %s", event.ConversationID)
				h.removeClient(client)
			}

		case <-h.quit:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// MessageUpdated implements Notifier. Never blocks: when the broadcast
// queue is full the event is dropped and logged.
func (h *Hub) MessageUpdated(conversationID string, msg *types.Message) {
	event := Event{Type: EventMessageUpdated, ConversationID: conversationID, Message: msg}
	select {
	case h.broadcast <- event:
	case <-h.quit:
	default:
		h.logger.Warn("notify queue full, dropping update for %s", conversationID)
	}
}

// Subscribers reports how many clients follow a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[conversationID])
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[client.conversationID]
	if !ok {
		return
	}
	if _, present := subs[client]; !present {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.clients, client.conversationID)
	}
	close(client.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.clients {
		for client := range subs {
			close(client.send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}
