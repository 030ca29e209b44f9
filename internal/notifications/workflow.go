package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/darkden-lab/pbs-realtime/internal/events"
)

// Recipient identifies a user to notify.
type Recipient struct {
	UserID string
	Role   string
}

// RequestInfo is the part of a rewards request shared by every workflow
// payload.
type RequestInfo struct {
	RequestID    string `json:"request_id"`
	EmployeeID   string `json:"employee_id"`
	EmployeeName string `json:"employee_name"`
	CategoryID   string `json:"category_id,omitempty"`
	CategoryName string `json:"category_name"`
	Points       int    `json:"points"`
	Notes        string `json:"notes,omitempty"`
}

// Decision describes an approved or rejected request.
type Decision struct {
	Request   RequestInfo
	Employee  Recipient
	DeciderID string
	Decider   string
	// Updaters raised the request on the employee's behalf. A request with
	// updaters is a direct award.
	Updaters []Recipient
	// DPID is the delivery partner the employee is assigned to, if any.
	DPID string
}

type raisedPayload struct {
	RequestInfo
	ValidatorID   string    `json:"validator_id"`
	ValidatorRole string    `json:"validator_role"`
	Timestamp     time.Time `json:"timestamp"`
}

type decisionPayload struct {
	RequestInfo
	DeciderID   string    `json:"decider_id"`
	DeciderName string    `json:"decider_name"`
	OldStatus   string    `json:"old_status"`
	NewStatus   string    `json:"new_status"`
	Timestamp   time.Time `json:"timestamp"`
}

type dpPointsPayload struct {
	EmployeeID   string    `json:"employee_id"`
	DPID         string    `json:"dp_id"`
	Points       int       `json:"points"`
	CategoryName string    `json:"category_name"`
	Status       string    `json:"status"`
	Action       string    `json:"action"`
	Timestamp    time.Time `json:"timestamp"`
}

// Workflow exposes typed entry points for the rewards workflows. Business
// modules importing this package call them after committing their state
// change; rtctl workflow drives them by hand. Every method reports whether
// all of its publishes succeeded.
type Workflow struct {
	pub *Publisher
	now func() time.Time
}

// NewWorkflow creates a Workflow publishing through pub.
func NewWorkflow(pub *Publisher) *Workflow {
	return &Workflow{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// RequestRaised notifies the validator a request was assigned to. Only the
// assigned validator is addressed, never the whole role.
func (w *Workflow) RequestRaised(ctx context.Context, req RequestInfo, validator Recipient) bool {
	eventType := events.TypeEmployeeRequestRaised
	if strings.HasSuffix(validator.Role, "_validator") {
		eventType = events.TypeNewRequest
	}

	return w.pub.Publish(ctx, eventType, raisedPayload{
		RequestInfo:   req,
		ValidatorID:   validator.UserID,
		ValidatorRole: validator.Role,
		Timestamp:     w.now(),
	}, Target{UserID: validator.UserID, Role: validator.Role, OnlyAssigned: true})
}

// RequestApproved awards the points to the employee, tells each updater the
// request changed status and refreshes the leaderboard.
func (w *Workflow) RequestApproved(ctx context.Context, d Decision) bool {
	payload := w.decision(d, "Approved")

	ok := w.pub.Publish(ctx, events.TypePointsAwarded, payload, Target{UserID: d.Employee.UserID, Role: d.Employee.Role})
	for _, u := range d.Updaters {
		ok = w.pub.Publish(ctx, events.TypeRequestStatusChanged, payload, Target{UserID: u.UserID, Role: u.Role}) && ok
	}
	if d.DPID != "" {
		ok = w.dpPoints(ctx, d, "approved") && ok
	}
	return ok
}

// RequestRejected tells the employee (unless the request was a direct award)
// and every updater that the request was rejected.
func (w *Workflow) RequestRejected(ctx context.Context, d Decision) bool {
	payload := w.decision(d, "Rejected")

	ok := true
	if len(d.Updaters) == 0 {
		ok = w.pub.Publish(ctx, events.TypeRequestStatusChanged, payload, Target{UserID: d.Employee.UserID, Role: d.Employee.Role})
	}
	for _, u := range d.Updaters {
		ok = w.pub.Publish(ctx, events.TypeRequestStatusChanged, payload, Target{UserID: u.UserID, Role: u.Role}) && ok
	}
	if d.DPID != "" {
		ok = w.dpPoints(ctx, d, "rejected") && ok
	}
	return ok
}

// PointsAwarded notifies an employee of a direct award made without a
// request.
func (w *Workflow) PointsAwarded(ctx context.Context, award RequestInfo, employee Recipient, awarderID, awarder string) bool {
	return w.pub.Publish(ctx, events.TypePointsAwarded, decisionPayload{
		RequestInfo: award,
		DeciderID:   awarderID,
		DeciderName: awarder,
		OldStatus:   "Pending",
		NewStatus:   "Approved",
		Timestamp:   w.now(),
	}, Target{UserID: employee.UserID, Role: employee.Role})
}

// LeaderboardChanged asks every client to refresh its leaderboard.
func (w *Workflow) LeaderboardChanged(ctx context.Context) bool {
	return w.pub.Publish(ctx, events.TypeLeaderboardUpdate, map[string]any{
		"update_type": "leaderboard_refresh",
		"timestamp":   w.now(),
	}, Target{})
}

// DashboardRefresh asks a validator's dashboard to reload after it processed
// a request.
func (w *Workflow) DashboardRefresh(ctx context.Context, validator Recipient, action string) bool {
	if action == "" {
		action = "refresh"
	}
	return w.pub.Publish(ctx, events.TypeDashboardRefresh, map[string]any{
		"validator_id": validator.UserID,
		"action":       action,
		"timestamp":    w.now(),
	}, Target{UserID: validator.UserID, Role: validator.Role})
}

func (w *Workflow) decision(d Decision, status string) decisionPayload {
	return decisionPayload{
		RequestInfo: d.Request,
		DeciderID:   d.DeciderID,
		DeciderName: d.Decider,
		OldStatus:   "Pending",
		NewStatus:   status,
		Timestamp:   w.now(),
	}
}

func (w *Workflow) dpPoints(ctx context.Context, d Decision, status string) bool {
	return w.pub.Publish(ctx, events.TypeDPPointsUpdate, dpPointsPayload{
		EmployeeID:   d.Employee.UserID,
		DPID:         d.DPID,
		Points:       d.Request.Points,
		CategoryName: d.Request.CategoryName,
		Status:       status,
		Action:       "refresh_points",
		Timestamp:    w.now(),
	}, Target{UserID: d.DPID, Role: "dp"})
}
