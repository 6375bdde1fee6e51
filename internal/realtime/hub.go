package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains room_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to
// Redis, with origin tagging so an instance never re-delivers its own events.
type Hub struct {
	// roomID -> map[clientID]*Client
	rooms  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func() // cancel Redis subscription per room
	mu     sync.RWMutex
	logger *zap.Logger
	pub    RoomPublisher
	sub    RoomSubscriber
}

// RoomPublisher publishes room events to Redis for cross-instance broadcast.
type RoomPublisher interface {
	PublishRoomEvent(roomID uuid.UUID, event string, payload []byte) error
}

// RoomSubscriber subscribes to a room channel and invokes handler for events
// published by other instances.
type RoomSubscriber interface {
	SubscribeRoom(roomID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. pub and sub may be nil for single
// instance deployments.
func NewHub(logger *zap.Logger, pub RoomPublisher, sub RoomSubscriber) *Hub {
	return &Hub{
		rooms:  make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to a room. Starts the room's Redis subscription when
// the first client arrives.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.RoomID] == nil {
		h.rooms[c.RoomID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeRoom(c.RoomID, func(event string, payload []byte) {
				h.BroadcastToRoom(c.RoomID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.RoomID] = cancel
			} else {
				h.logger.Warn("room subscribe failed",
					zap.String("room_id", c.RoomID.String()), zap.Error(err))
			}
		}
	}
	h.rooms[c.RoomID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined room",
		zap.String("client_id", c.ID), zap.String("room_id", c.RoomID.String()))
}

// Unregister removes a client from a room. Cancels the Redis subscription
// when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.RoomID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.RoomID)
			if cancel, ok := h.subs[c.RoomID]; ok {
				cancel()
				delete(h.subs, c.RoomID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left room",
		zap.String("client_id", c.ID), zap.String("room_id", c.RoomID.String()))
}

// BroadcastToRoom sends a message to all clients in a room (local only).
// Clients with a full send buffer are skipped; they resync via the log.
func (h *Hub) BroadcastToRoom(roomID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	// copy the recipients under the lock; the room map mutates as clients
	// register and unregister while we deliver
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToRoomAndPublish sends to local clients and publishes to Redis for
// other instances. The publisher tags the message with this instance's
// origin, so the loopback delivery is filtered and each client receives the
// event exactly once.
func (h *Hub) BroadcastToRoomAndPublish(roomID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToRoom(roomID, event, json.RawMessage(data))
	if h.pub != nil {
		_ = h.pub.PublishRoomEvent(roomID, event, data)
	}
}

// ParticipantCount returns the number of connected clients in a room on this
// instance.
func (h *Hub) ParticipantCount(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// SendToClient sends a message to a single client in a room (error feedback,
// targeted signaling).
func (h *Hub) SendToClient(roomID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	clients := h.rooms[roomID]
	c, ok := clients[clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
