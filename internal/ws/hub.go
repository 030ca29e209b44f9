package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/metrics"
)

// ErrHubClosed is returned when delivering through a hub whose event loop
// has stopped.
var ErrHubClosed = errors.New("ws: hub closed")

// Frame is the JSON message exchanged with clients in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
		raw = json.RawMessage(`{}`)
	case json.RawMessage:
		raw = d
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Stats is a snapshot of the hub state.
type Stats struct {
	Connections int            `json:"connections"`
	Registered  int            `json:"registered"`
	Rooms       map[string]int `json:"rooms"`
}

// registration asks the hub to move a client into an identity room and an
// optional role room.
type registration struct {
	client   *Client
	userRoom string
	roleRoom string
	ack      []byte
}

type outbound struct {
	client *Client // set for direct replies
	room   string  // empty means every connection
	data   []byte
}

// Hub owns every connection and room. All membership changes and fan-out run
// on the Run goroutine, so none of its maps need locking.
type Hub struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	join       chan registration
	outbound   chan outbound
	stats      chan chan Stats
	done       chan struct{}

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewHub allocates and initialises a Hub. Call Run in a goroutine to start
// the event loop.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan registration, 16),
		outbound:   make(chan outbound, 256),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
		log:        log.Named("ws"),
		metrics:    m,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after
// closing every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.Connections.WithLabelValues("websocket").Inc()
			h.log.Debug("client connected", zap.String("client", c.ID))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.log.Debug("client disconnected", zap.String("client", c.ID))
			}

		case reg := <-h.join:
			if _, ok := h.clients[reg.client]; !ok {
				continue
			}
			h.move(reg.client, reg.userRoom, reg.roleRoom)
			h.send(reg.client, reg.ack)

		case msg := <-h.outbound:
			if msg.client != nil {
				if _, ok := h.clients[msg.client]; ok {
					h.send(msg.client, msg.data)
				}
				continue
			}
			if msg.room == "" {
				for c := range h.clients {
					h.send(c, msg.data)
				}
				continue
			}
			for c := range h.rooms[msg.room] {
				h.send(c, msg.data)
			}

		case reply := <-h.stats:
			reply <- h.snapshot()
		}
	}
}

// send enqueues data for c without blocking. A slow client only loses its
// own frames.
func (h *Hub) send(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Debug("dropping frame for slow client", zap.String("client", c.ID))
	}
}

func (h *Hub) remove(c *Client) {
	h.leave(c, c.userRoom)
	h.leave(c, c.roleRoom)
	c.userRoom, c.roleRoom = "", ""
	delete(h.clients, c)
	close(c.send)
	h.metrics.Connections.WithLabelValues("websocket").Dec()
}

// move makes userRoom and roleRoom the only rooms c belongs to. Joining the
// rooms c is already in is a no-op.
func (h *Hub) move(c *Client, userRoom, roleRoom string) {
	if c.userRoom != userRoom {
		h.leave(c, c.userRoom)
		h.enter(c, userRoom)
		c.userRoom = userRoom
	}
	if c.roleRoom != roleRoom {
		h.leave(c, c.roleRoom)
		h.enter(c, roleRoom)
		c.roleRoom = roleRoom
	}
}

func (h *Hub) enter(c *Client, room string) {
	if room == "" {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
		h.metrics.Rooms.Inc()
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		h.metrics.Rooms.Dec()
	}
}

func (h *Hub) snapshot() Stats {
	s := Stats{Connections: len(h.clients), Rooms: make(map[string]int, len(h.rooms))}
	for c := range h.clients {
		if c.userRoom != "" {
			s.Registered++
		}
	}
	for room, members := range h.rooms {
		s.Rooms[room] = len(members)
	}
	return s
}

// Register adds a new client to the hub. It returns once the hub loop has
// accepted the client, so frames the client sends afterwards are never
// processed before its registration.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes a client from the hub and every room it joined.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) enqueue(msg outbound) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.outbound <- msg:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// enqueueDirect queues a frame for a single client.
func (h *Hub) enqueueDirect(c *Client, data []byte) {
	h.enqueue(outbound{client: c, data: data}) //nolint:errcheck
}

func (h *Hub) joinRooms(reg registration) {
	select {
	case h.join <- reg:
	case <-h.done:
	}
}

// Emit sends event to every client in room.
func (h *Hub) Emit(room, event string, data json.RawMessage) error {
	if room == "" {
		return nil
	}
	frame, err := encodeFrame(event, data)
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", event, err)
	}
	return h.enqueue(outbound{room: room, data: frame})
}

// Broadcast sends event to every connected client, registered or not.
func (h *Hub) Broadcast(event string, data json.RawMessage) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", event, err)
	}
	return h.enqueue(outbound{data: frame})
}

// Stats returns a snapshot of connections and room sizes. It returns the
// zero value once the hub has stopped.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.done:
		return Stats{}
	}
}
