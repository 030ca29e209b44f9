package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types produced by the rewards workflows.
const (
	TypeNewRequest            = "new_request"
	TypeRequestRaised         = "request_raised"
	TypeEmployeeRequestRaised = "employee_request_raised"
	TypePointsAwarded         = "points_awarded"
	TypeBonusPointsAwarded    = "bonus_points_awarded"
	TypeRequestStatusChanged  = "request_status_changed"
	TypeLeaderboardUpdate     = "leaderboard_update"
	TypeDashboardRefresh      = "validator_dashboard_refresh"
	TypeDPPointsUpdate        = "dp_employee_points_update"
)

// Event names pushed to clients on broadcast topics.
const (
	ClientLeaderboardUpdate  = "leaderboard_update"
	ClientGlobalNotification = "global_notification"
)

// ErrMalformedEnvelope is returned when a message body cannot be decoded into
// an Envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the message carried from the publisher to the router. The Data
// field is opaque: the router forwards it to clients verbatim.
type Envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	Data         json.RawMessage `json:"data"`
	Timestamp    time.Time       `json:"timestamp"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	TargetRole   string          `json:"target_role,omitempty"`
}

// NewEnvelope marshals payload and wraps it in an Envelope with a generated
// ID and the current UTC timestamp. A nil payload is encoded as an empty
// object so clients always receive a JSON object.
func NewEnvelope(eventType string, payload any, targetUserID, targetRole string) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("%w: event_type is required", ErrMalformedEnvelope)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	return Envelope{
		ID:           uuid.New().String(),
		EventType:    eventType,
		Data:         data,
		Timestamp:    time.Now().UTC(),
		TargetUserID: targetUserID,
		TargetRole:   targetRole,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Marshal encodes the envelope for the broker.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes a broker message body. Bodies that are not JSON
// objects or that lack an event type are rejected with ErrMalformedEnvelope.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformedEnvelope)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		env.Data = json.RawMessage(`{}`)
	}
	return env, nil
}
