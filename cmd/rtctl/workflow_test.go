package main

import (
	"context"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/events"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
	"github.com/darkden-lab/pbs-realtime/internal/notifications"
)

// runStep runs step against a memory broker and returns the topics written.
func runStep(t *testing.T, step workflowStep, opts *workflowOptions) ([]string, bool, error) {
	t.Helper()
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.PatternSubscribe(ctx, events.SubscribePatterns...)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	w := notifications.NewWorkflow(notifications.NewPublisher(b, "employee", zap.NewNop(), metrics.New()))
	ok, err := step(ctx, w, opts)

	var topics []string
	for {
		msg, perr := sub.Poll(ctx, 20*time.Millisecond)
		if perr != nil || msg == nil {
			break
		}
		topics = append(topics, msg.Topic)
	}
	sort.Strings(topics)
	return topics, ok, err
}

func TestWorkflow_ApprovedStep(t *testing.T) {
	opts := &workflowOptions{
		request:      notifications.RequestInfo{RequestID: "r1", EmployeeID: "42", Points: 50},
		employeeRole: "employee",
		deciderID:    "9",
		updaters:     []string{"manager:7"},
		dpID:         "d1",
	}

	topics, ok, err := runStep(t, approvedStep, opts)
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	want := []string{"all:leaderboard_update", "user:dp:d1", "user:employee:42", "user:manager:7"}
	if len(topics) != len(want) {
		t.Fatalf("expected topics %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("expected topics %v, got %v", want, topics)
			break
		}
	}
}

func TestWorkflow_RaisedStepAddressesOnlyValidator(t *testing.T) {
	opts := &workflowOptions{
		request:       notifications.RequestInfo{RequestID: "r1", EmployeeID: "42"},
		validatorID:   "5",
		validatorRole: "pm_validator",
	}

	topics, ok, err := runStep(t, raisedStep, opts)
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if len(topics) != 1 || topics[0] != "user:pm_validator:5" {
		t.Errorf("expected only the validator topic, got %v", topics)
	}
}

func TestWorkflow_DecisionRequiresEmployee(t *testing.T) {
	topics, _, err := runStep(t, rejectedStep, &workflowOptions{})
	if err == nil {
		t.Fatal("expected an error without --employee")
	}
	if len(topics) != 0 {
		t.Errorf("expected nothing published, got %v", topics)
	}
}

func TestParseRecipients(t *testing.T) {
	got, err := parseRecipients([]string{"manager:7", "hr:a:b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != (notifications.Recipient{UserID: "7", Role: "manager"}) ||
		got[1] != (notifications.Recipient{UserID: "a:b", Role: "hr"}) {
		t.Errorf("unexpected recipients: %+v", got)
	}

	for _, bad := range []string{"manager", ":7", "manager:"} {
		if _, err := parseRecipients([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestWorkflowCmd_Subcommands(t *testing.T) {
	cmd := newWorkflowCmd()
	for _, name := range []string{"raised", "approved", "rejected", "award", "leaderboard", "refresh"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("missing workflow subcommand %s", name)
		}
	}
}
