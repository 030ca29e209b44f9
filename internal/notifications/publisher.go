package notifications

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/events"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
)

// publishTimeout bounds a single broker write.
const publishTimeout = 3 * time.Second

// Target carries the routing hints of a publish call.
type Target struct {
	UserID string
	Role   string
	// OnlyAssigned suppresses the role-wide write for request events so
	// that only the addressed identity is notified.
	OnlyAssigned bool
}

// Publisher turns workflow events into envelopes and writes them to the
// broker topics selected by the routing rules.
type Publisher struct {
	broker       broker.Broker
	fallbackRole string
	log          *zap.Logger
	metrics      *metrics.Metrics
}

// NewPublisher creates a Publisher. fallbackRole prefixes user topics when a
// target user is given without a role.
func NewPublisher(b broker.Broker, fallbackRole string, log *zap.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		broker:       b,
		fallbackRole: fallbackRole,
		log:          log.Named("publisher"),
		metrics:      m,
	}
}

// Topics returns the broker topics an event is written to. The result only
// depends on its arguments.
func (p *Publisher) Topics(eventType string, t Target) []string {
	var topics []string

	userTopic := func() {
		if t.UserID != "" {
			topics = append(topics, events.UserTopic(p.roleOrFallback(t.Role), t.UserID))
		}
	}

	switch eventType {
	case events.TypeNewRequest, events.TypeRequestRaised, events.TypeEmployeeRequestRaised:
		userTopic()
		if t.Role != "" && !t.OnlyAssigned {
			topics = append(topics, events.RoleTopic(t.Role))
		}

	case events.TypePointsAwarded, events.TypeBonusPointsAwarded:
		userTopic()
		topics = append(topics, events.TopicLeaderboardUpdate)

	case events.TypeRequestStatusChanged:
		userTopic()

	case events.TypeLeaderboardUpdate:
		topics = append(topics, events.TopicLeaderboardUpdate)

	default:
		switch {
		case t.UserID != "":
			userTopic()
		case t.Role != "":
			topics = append(topics, events.RoleTopic(t.Role))
		default:
			topics = append(topics, events.TopicGlobalEvent)
		}
	}
	return topics
}

func (p *Publisher) roleOrFallback(role string) string {
	if role != "" {
		return role
	}
	return p.fallbackRole
}

// Publish writes the event to every topic selected by Topics and reports
// whether all writes succeeded. It never returns an error: notifications are
// advisory and the caller's state change is already committed.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any, t Target) bool {
	log := p.log.With(zap.String("event_type", eventType))

	if !events.ValidRole(t.Role) {
		log.Warn("target role contains ':', event dropped", zap.String("target_role", t.Role))
		p.metrics.PublishTotal.WithLabelValues(eventType, "invalid").Inc()
		return false
	}

	env, err := events.NewEnvelope(eventType, payload, t.UserID, t.Role)
	if err != nil {
		log.Warn("failed to build envelope", zap.Error(err))
		p.metrics.PublishTotal.WithLabelValues(eventType, "invalid").Inc()
		return false
	}
	body, err := env.Marshal()
	if err != nil {
		log.Warn("failed to encode envelope", zap.Error(err))
		p.metrics.PublishTotal.WithLabelValues(eventType, "invalid").Inc()
		return false
	}

	topics := p.Topics(eventType, t)
	if len(topics) == 0 {
		log.Debug("no topic selected, nothing published", zap.String("target_user_id", t.UserID))
		p.metrics.PublishTotal.WithLabelValues(eventType, "skipped").Inc()
		return true
	}

	for _, topic := range topics {
		writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := p.broker.Publish(writeCtx, topic, body)
		cancel()
		if err != nil {
			log.Warn("failed to publish event",
				zap.String("topic", topic),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
			p.metrics.PublishTotal.WithLabelValues(eventType, "failed").Inc()
			return false
		}
		p.metrics.TopicWrites.WithLabelValues(topicFamily(topic)).Inc()
	}

	log.Debug("event published", zap.Strings("topics", topics), zap.String("envelope_id", env.ID))
	p.metrics.PublishTotal.WithLabelValues(eventType, "ok").Inc()
	return true
}

func topicFamily(topic string) string {
	family, _, _ := strings.Cut(topic, ":")
	return family
}
