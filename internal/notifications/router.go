package notifications

import (
	"errors"
	"fmt"

	"github.com/darkden-lab/pbs-realtime/internal/events"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
)

// ErrRouting wraps every failure to turn a received envelope into a
// transport call.
var ErrRouting = errors.New("routing failure")

// Router maps broker topics to transport rooms.
type Router struct {
	transport Transport
	metrics   *metrics.Metrics
}

// NewRouter creates a Router delivering through transport.
func NewRouter(transport Transport, m *metrics.Metrics) *Router {
	return &Router{transport: transport, metrics: m}
}

// Route delivers env, received on topic, to the matching room or to every
// connection. The payload is forwarded untouched. A panic inside the
// transport is converted into an error so one message can never take the
// listener down.
func (r *Router) Route(topic string, env events.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic delivering %s: %v", ErrRouting, topic, rec)
		}
	}()

	t, err := events.ParseTopic(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRouting, err)
	}

	switch t.Family {
	case events.FamilyUser:
		room := events.IdentityRoom(t.Role, t.UserID)
		if err := r.transport.Emit(room, env.EventType, env.Data); err != nil {
			return fmt.Errorf("%w: emit to %s: %v", ErrRouting, room, err)
		}

	case events.FamilyRole:
		room := events.RoleRoom(t.Role)
		if err := r.transport.Emit(room, env.EventType, env.Data); err != nil {
			return fmt.Errorf("%w: emit to %s: %v", ErrRouting, room, err)
		}

	case events.FamilyAll:
		name := events.ClientGlobalNotification
		if topic == events.TopicLeaderboardUpdate {
			name = events.ClientLeaderboardUpdate
		}
		if err := r.transport.Broadcast(name, env.Data); err != nil {
			return fmt.Errorf("%w: broadcast %s: %v", ErrRouting, name, err)
		}
	}

	r.metrics.RoutedTotal.WithLabelValues(string(t.Family)).Inc()
	return nil
}
