package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/events"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
	// sendBuffer is the number of frames queued per client before new ones
	// are dropped.
	sendBuffer = 256
)

// Client events.
const (
	EventRegisterUser = "register_user"
	EventPing         = "ping"
)

// Server events that are not published through the broker.
const (
	EventConnected = "connected"
	EventPong      = "pong"
	EventError     = "error"
)

// RegisterUser is the payload of a register_user frame.
type RegisterUser struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	Role     string `json:"role,omitempty"`
}

// InvalidRegistration is the error message answering a register_user
// that fails Valid.
const InvalidRegistration = "user_id and user_type are required; user_type and role must not contain ':'"

// Valid reports whether the identity fields are present and the user type
// and role can be addressed by broker topics.
func (r RegisterUser) Valid() bool {
	return r.UserID != "" && r.UserType != "" &&
		events.ValidRole(r.UserType) && events.ValidRole(r.Role)
}

// Ack is the payload of the connected frame answering register_user.
type Ack struct {
	Message  string  `json:"message"`
	UserRoom string  `json:"user_room"`
	RoleRoom *string `json:"role_room"`
}

// NewAck builds the acknowledgement for a valid registration.
func NewAck(r RegisterUser) Ack {
	ack := Ack{
		Message:  "Connected to real-time updates",
		UserRoom: events.IdentityRoom(r.UserType, r.UserID),
	}
	if r.Role != "" {
		room := events.RoleRoom(r.Role)
		ack.RoleRoom = &room
	}
	return ack
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *zap.Logger

	// Owned by the hub loop.
	userRoom string
	roleRoom string
}

// NewClient creates a Client for conn. Register it with the hub before
// starting the pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  hub,
		log:  hub.log.With(zap.String("client", id)),
	}
}

// reply queues a frame for this client only.
func (c *Client) reply(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		c.log.Warn("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	c.hub.enqueueDirect(c, frame)
}

// ReadPump pumps frames from the WebSocket connection to the hub. It runs in
// its own goroutine per client and handles register_user and ping.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.reply(EventError, map[string]string{"message": "invalid frame"})
			continue
		}

		switch f.Event {
		case EventRegisterUser:
			c.handleRegister(f.Data)
		case EventPing:
			c.reply(EventPong, map[string]string{"status": "ok"})
		default:
			c.log.Debug("ignoring unknown event", zap.String("event", f.Event))
		}
	}
}

func (c *Client) handleRegister(data json.RawMessage) {
	var r RegisterUser
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			r = RegisterUser{}
		}
	}
	if !r.Valid() {
		c.hub.metrics.RegistrationsTotal.WithLabelValues("websocket", "invalid").Inc()
		c.reply(EventError, map[string]string{"message": InvalidRegistration})
		return
	}

	ack, err := encodeFrame(EventConnected, NewAck(r))
	if err != nil {
		c.log.Warn("failed to encode ack", zap.Error(err))
		return
	}

	reg := registration{
		client:   c,
		userRoom: events.IdentityRoom(r.UserType, r.UserID),
		ack:      ack,
	}
	if r.Role != "" {
		reg.roleRoom = events.RoleRoom(r.Role)
	}
	c.hub.joinRooms(reg)
	c.hub.metrics.RegistrationsTotal.WithLabelValues("websocket", "ok").Inc()
	c.log.Debug("registered", zap.String("user_room", reg.userRoom), zap.String("role_room", reg.roleRoom))
}

// WritePump pumps frames from the hub to the WebSocket connection. It runs
// in its own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
