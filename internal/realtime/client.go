package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/models"
)

// Events carried on the room channel.
const (
	EventOperation     = "operation"
	EventPresence      = "presence"
	EventCursor        = "cursor"
	EventRTCSignal     = "rtc_signal"
	EventSessionStatus = "session_status"
	EventError         = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionJoiner admits a user into the room's live session.
type SessionJoiner interface {
	Join(ctx context.Context, roomID, userID uuid.UUID, role string) (*models.Session, error)
}

// OperationAppender validates, persists and fans out one whiteboard operation.
type OperationAppender interface {
	Append(ctx context.Context, op *models.Operation) (*models.Operation, error)
}

// Client represents a single WebSocket connection in a lesson room.
type Client struct {
	ID       string
	RoomID   uuid.UUID
	UserID   uuid.UUID
	Name     string
	Role     string
	JoinedAt time.Time
	hub      *Hub
	boards   OperationAppender
	sessions SessionJoiner
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger,
	jwtValidate func(token string) (userID uuid.UUID, name, role string, err error),
	boards OperationAppender, sessions SessionJoiner) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIDStr := c.Query("room_id")
		token := c.Query("token")
		if roomIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and token required"})
			return
		}
		roomID, err := uuid.Parse(roomIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room_id"})
			return
		}
		userID, name, role, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			RoomID:   roomID,
			UserID:   userID,
			Name:     name,
			Role:     role,
			JoinedAt: time.Now(),
			hub:      hub,
			boards:   boards,
			sessions: sessions,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

type presenceEvent struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Joined bool   `json:"joined"`
	Count  int    `json:"count"`
	At     int64  `json:"at"`
}

type operationMessage struct {
	Kind  string   `json:"kind"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
	Color *string  `json:"color,omitempty"`
	Width *int     `json:"width,omitempty"`
}

type cursorEvent struct {
	UserID string  `json:"user_id"`
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type rtcSignalEvent struct {
	FromClient string          `json:"from_client"`
	FromUser   string          `json:"from_user"`
	Data       json.RawMessage `json:"data"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.hub.BroadcastToRoomAndPublish(c.RoomID, EventPresence, presenceEvent{
			UserID: c.UserID.String(),
			Name:   c.Name,
			Role:   c.Role,
			Joined: false,
			Count:  c.hub.ParticipantCount(c.RoomID),
			At:     time.Now().Unix(),
		})
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			c.handleJoin()
		case "operation":
			c.handleOperation(msg.Data)
		case EventCursor:
			// ephemeral: fanned out, never stored
			var cur cursorEvent
			if err := json.Unmarshal(msg.Data, &cur); err != nil {
				continue
			}
			cur.UserID = c.UserID.String()
			cur.Name = c.Name
			c.hub.BroadcastToRoomAndPublish(c.RoomID, EventCursor, cur)
		case EventRTCSignal:
			// opaque WebRTC offer/answer/ICE relay between the two peers
			c.hub.BroadcastToRoomAndPublish(c.RoomID, EventRTCSignal, rtcSignalEvent{
				FromClient: c.ID,
				FromUser:   c.UserID.String(),
				Data:       msg.Data,
			})
		default:
			// ignore
		}
	}
}

func (c *Client) handleJoin() {
	if c.sessions != nil {
		if _, err := c.sessions.Join(context.Background(), c.RoomID, c.UserID, c.Role); err != nil {
			c.logger.Warn("session join via websocket failed",
				zap.String("room_id", c.RoomID.String()),
				zap.String("user_id", c.UserID.String()),
				zap.Error(err))
			c.hub.SendToClient(c.RoomID, c.ID, EventError, gin.H{"message": err.Error()})
			return
		}
	}
	c.hub.BroadcastToRoomAndPublish(c.RoomID, EventPresence, presenceEvent{
		UserID: c.UserID.String(),
		Name:   c.Name,
		Role:   c.Role,
		Joined: true,
		Count:  c.hub.ParticipantCount(c.RoomID),
		At:     time.Now().Unix(),
	})
}

func (c *Client) handleOperation(data json.RawMessage) {
	if c.boards == nil {
		return
	}
	var om operationMessage
	if err := json.Unmarshal(data, &om); err != nil {
		c.hub.SendToClient(c.RoomID, c.ID, EventError, gin.H{"message": "malformed operation"})
		return
	}
	op := &models.Operation{
		RoomID:    c.RoomID,
		Kind:      models.OperationKind(om.Kind),
		X:         om.X,
		Y:         om.Y,
		Color:     om.Color,
		Width:     om.Width,
		ActorID:   c.UserID,
		ActorName: c.Name,
	}
	// the board service broadcasts the stored operation itself
	if _, err := c.boards.Append(context.Background(), op); err != nil {
		c.hub.SendToClient(c.RoomID, c.ID, EventError, gin.H{"message": err.Error()})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
