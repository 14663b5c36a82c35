package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gocomet/poolride/pkg/logger"
)

// Hub tracks rider connections and pushes ride notifications to them
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // by user id
	closed  bool
	logger  *logger.Logger
}

// Message is the envelope of every server push
type Message struct {
	Type   string    `json:"type"`
	Data   any       `json:"data,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  log.Named("ws"),
	}
}

// Register adds a client. It returns false once the hub is closed.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[client.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.UserID] = set
	}
	set[client] = struct{}{}
	h.logger.Info("Client registered",
		logger.String("client_id", client.ID),
		logger.UserID(client.UserID),
	)
	return true
}

// Unregister removes a client and closes its send queue
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(client)
}

// remove expects h.mu held for writing
func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
	h.logger.Info("Client unregistered", logger.String("client_id", client.ID))
}

// NotifyRider pushes an event to every connection of userID. Slow clients are
// dropped rather than blocking the caller.
func (h *Hub) NotifyRider(userID, event string, data any) {
	payload, err := json.Marshal(Message{Type: event, Data: data, SentAt: time.Now().UTC()})
	if err != nil {
		h.logger.Error("Failed to marshal notification", logger.String("type", event), logger.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[userID]
	if len(set) == 0 {
		h.logger.Debug("No connection for rider", logger.UserID(userID), logger.String("type", event))
		return
	}
	for client := range set {
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("Send buffer full, dropping client",
				logger.UserID(userID),
				logger.String("client_id", client.ID),
			)
			h.remove(client)
		}
	}
}

// ActiveConnections returns the number of open connections
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for client := range set {
			h.remove(client)
		}
	}
}
