package notifications

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
)

func newTestWorkflow() (*Workflow, *flakyBroker) {
	fb := &flakyBroker{Broker: broker.NewMemory(), failAfter: -1}
	return NewWorkflow(newTestPublisher(fb)), fb
}

var sampleRequest = RequestInfo{
	RequestID:    "r1",
	EmployeeID:   "e1",
	EmployeeName: "Asha",
	CategoryName: "Client appreciation",
	Points:       100,
}

func TestWorkflow_RequestRaised(t *testing.T) {
	tests := []struct {
		name      string
		validator Recipient
		want      []string
	}{
		{"validator role", Recipient{UserID: "v1", Role: "hr_validator"}, []string{"user:hr_validator:v1"}},
		{"manager role", Recipient{UserID: "m1", Role: "pm"}, []string{"user:pm:m1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, fb := newTestWorkflow()
			assert.True(t, w.RequestRaised(context.Background(), sampleRequest, tt.validator))
			assert.Equal(t, tt.want, fb.topics())
		})
	}
}

func TestWorkflow_RequestApproved(t *testing.T) {
	w, fb := newTestWorkflow()

	ok := w.RequestApproved(context.Background(), Decision{
		Request:  sampleRequest,
		Employee: Recipient{UserID: "e1", Role: "employee"},
		Decider:  "Val",
		Updaters: []Recipient{{UserID: "t1", Role: "ta_updater"}},
		DPID:     "dp1",
	})

	assert.True(t, ok)
	assert.Equal(t, []string{
		"user:employee:e1",
		"all:leaderboard_update",
		"user:ta_updater:t1",
		"user:dp:dp1",
	}, fb.topics())
}

func TestWorkflow_RequestRejected(t *testing.T) {
	t.Run("employee raised", func(t *testing.T) {
		w, fb := newTestWorkflow()
		ok := w.RequestRejected(context.Background(), Decision{
			Request:  sampleRequest,
			Employee: Recipient{UserID: "e1", Role: "employee"},
		})
		assert.True(t, ok)
		assert.Equal(t, []string{"user:employee:e1"}, fb.topics())
	})

	t.Run("direct award skips employee", func(t *testing.T) {
		w, fb := newTestWorkflow()
		ok := w.RequestRejected(context.Background(), Decision{
			Request:  sampleRequest,
			Employee: Recipient{UserID: "e1", Role: "employee"},
			Updaters: []Recipient{{UserID: "h1", Role: "hr_updater"}, {UserID: "l1", Role: "ld_updater"}},
		})
		assert.True(t, ok)
		assert.Equal(t, []string{"user:hr_updater:h1", "user:ld_updater:l1"}, fb.topics())
	})
}

func TestWorkflow_FailureIsReported(t *testing.T) {
	fb := &flakyBroker{Broker: broker.NewMemory(), failAfter: 1}
	w := NewWorkflow(newTestPublisher(fb))

	ok := w.RequestApproved(context.Background(), Decision{
		Request:  sampleRequest,
		Employee: Recipient{UserID: "e1", Role: "employee"},
		Updaters: []Recipient{{UserID: "t1", Role: "ta_updater"}},
	})

	assert.False(t, ok)
}

func TestWorkflow_BroadcastHelpers(t *testing.T) {
	w, fb := newTestWorkflow()
	ctx := context.Background()

	assert.True(t, w.LeaderboardChanged(ctx))
	assert.True(t, w.PointsAwarded(ctx, sampleRequest, Recipient{UserID: "e1"}, "a1", "Admin"))
	assert.True(t, w.DashboardRefresh(ctx, Recipient{UserID: "v1", Role: "pmo_validator"}, ""))

	assert.Equal(t, []string{
		"all:leaderboard_update",
		"user:employee:e1",
		"all:leaderboard_update",
		"user:pmo_validator:v1",
	}, fb.topics())
}
