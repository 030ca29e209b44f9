package notifications

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/pbs-realtime/internal/httputil"
)

// maxEventBody caps the size of a publish request.
const maxEventBody = 1 << 20

// StatsFunc reports transport statistics for the status endpoint.
type StatsFunc func() any

// BrokerStatus describes the broker binding the process runs with.
type BrokerStatus struct {
	Driver    string `json:"driver"`
	Available bool   `json:"available"`
}

// Handlers provides the HTTP ingress for processes that cannot reach the
// broker directly.
type Handlers struct {
	publisher *Publisher
	listener  *Listener
	broker    BrokerStatus
	stats     StatsFunc
}

// NewHandlers creates a new Handlers. stats may be nil.
func NewHandlers(publisher *Publisher, listener *Listener, broker BrokerStatus, stats StatsFunc) *Handlers {
	return &Handlers{
		publisher: publisher,
		listener:  listener,
		broker:    broker,
		stats:     stats,
	}
}

// RegisterRoutes wires the realtime endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/realtime/events", h.PublishEvent).Methods("POST")
	r.HandleFunc("/api/realtime/status", h.Status).Methods("GET")
}

type publishRequest struct {
	EventType          string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload"`
	TargetUserID       string          `json:"target_user_id"`
	TargetRole         string          `json:"target_role"`
	NotifyOnlyAssigned bool            `json:"notify_only_assigned"`
}

// PublishEvent handles POST /api/realtime/events
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := httputil.DecodeJSON(w, r, maxEventBody, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		httputil.WriteError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if string(req.Payload) == "null" {
		req.Payload = nil
	}

	published := h.publisher.Publish(r.Context(), req.EventType, req.Payload, Target{
		UserID:       req.TargetUserID,
		Role:         req.TargetRole,
		OnlyAssigned: req.NotifyOnlyAssigned,
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"published": published})
}

// Status handles GET /api/realtime/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"broker":   h.broker,
		"listener": h.listener.State().String(),
	}
	if h.stats != nil {
		resp["transport"] = h.stats()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
