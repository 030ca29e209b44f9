// Package socketio serves the realtime protocol over Socket.IO for clients
// built against a Socket.IO frontend.
package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/events"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
	"github.com/darkden-lab/pbs-realtime/internal/ws"
)

const transportLabel = "socketio"

// membership is the pair of rooms a socket currently belongs to.
type membership struct {
	userRoom string
	roleRoom string
}

// Server adapts a Socket.IO server to the notification transport contract.
// Socket.IO keeps the rooms; Server only remembers which identity and role
// room each socket joined so a re-registration can move it.
type Server struct {
	io      *socket.Server
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	members map[socket.SocketId]membership
}

// New creates a Socket.IO server accepting connections from allowedOrigins.
func New(allowedOrigins []string, log *zap.Logger, m *metrics.Metrics) *Server {
	opts := socket.DefaultServerOptions()
	opts.SetCors(&types.Cors{
		Origin:      corsOrigin(allowedOrigins),
		Credentials: true,
	})

	s := &Server{
		io:      socket.NewServer(nil, opts),
		log:     log.Named("socketio"),
		metrics: m,
		members: make(map[socket.SocketId]membership),
	}
	s.io.On("connection", s.onConnection)
	return s
}

func corsOrigin(allowed []string) any {
	if slices.Contains(allowed, "*") {
		return "*"
	}
	return allowed
}

func (s *Server) onConnection(args ...any) {
	client, ok := args[0].(*socket.Socket)
	if !ok {
		return
	}
	s.metrics.Connections.WithLabelValues(transportLabel).Inc()
	s.log.Debug("client connected", zap.String("client", string(client.Id())))

	client.On(ws.EventRegisterUser, func(data ...any) {
		s.register(client, data)
	})
	client.On(ws.EventPing, func(...any) {
		client.Emit(ws.EventPong, map[string]string{"status": "ok"})
	})
	client.On("disconnect", func(...any) {
		s.mu.Lock()
		delete(s.members, client.Id())
		s.mu.Unlock()
		s.metrics.Connections.WithLabelValues(transportLabel).Dec()
		s.log.Debug("client disconnected", zap.String("client", string(client.Id())))
	})
}

// decodeRegistration converts the first Socket.IO argument into a
// registration. Socket.IO delivers JSON objects as maps.
func decodeRegistration(data []any) ws.RegisterUser {
	var r ws.RegisterUser
	if len(data) == 0 {
		return r
	}
	raw, err := json.Marshal(data[0])
	if err != nil {
		return r
	}
	json.Unmarshal(raw, &r) //nolint:errcheck
	return r
}

func (s *Server) register(client *socket.Socket, data []any) {
	r := decodeRegistration(data)
	if !r.Valid() {
		s.metrics.RegistrationsTotal.WithLabelValues(transportLabel, "invalid").Inc()
		client.Emit(ws.EventError, map[string]string{"message": ws.InvalidRegistration})
		return
	}

	next := membership{userRoom: events.IdentityRoom(r.UserType, r.UserID)}
	if r.Role != "" {
		next.roleRoom = events.RoleRoom(r.Role)
	}

	s.mu.Lock()
	prev := s.members[client.Id()]
	s.members[client.Id()] = next
	s.mu.Unlock()

	for _, room := range []struct{ old, new string }{
		{prev.userRoom, next.userRoom},
		{prev.roleRoom, next.roleRoom},
	} {
		if room.old == room.new {
			continue
		}
		if room.old != "" {
			client.Leave(socket.Room(room.old))
		}
		if room.new != "" {
			client.Join(socket.Room(room.new))
		}
	}

	s.metrics.RegistrationsTotal.WithLabelValues(transportLabel, "ok").Inc()
	client.Emit(ws.EventConnected, ws.NewAck(r))
}

var errTrailingData = errors.New("unexpected data after payload")

// decode turns a raw payload into a value Socket.IO serializes as JSON.
// Numbers stay json.Number so large integers survive the round trip.
func decode(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return v, nil
}

// Emit sends event to every socket in room.
func (s *Server) Emit(room, event string, data json.RawMessage) error {
	if room == "" {
		return nil
	}
	v, err := decode(data)
	if err != nil {
		return fmt.Errorf("socketio: decode %s: %w", event, err)
	}
	s.io.To(socket.Room(room)).Emit(event, v)
	return nil
}

// Broadcast sends event to every connected socket.
func (s *Server) Broadcast(event string, data json.RawMessage) error {
	v, err := decode(data)
	if err != nil {
		return fmt.Errorf("socketio: decode %s: %w", event, err)
	}
	s.io.Emit(event, v)
	return nil
}

// Registered returns the number of sockets that completed register_user.
func (s *Server) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Handler serves the Socket.IO endpoint; mount it under /socket.io/.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Close disconnects every socket.
func (s *Server) Close() {
	s.io.Close(nil)
}
