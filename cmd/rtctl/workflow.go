package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/pbs-realtime/internal/notifications"
)

// workflowOptions collects the flags shared by the workflow steps.
type workflowOptions struct {
	request       notifications.RequestInfo
	employeeRole  string
	validatorID   string
	validatorRole string
	deciderID     string
	decider       string
	updaters      []string
	dpID          string
	action        string
}

// workflowStep publishes the notifications of one workflow step.
type workflowStep func(ctx context.Context, w *notifications.Workflow, opts *workflowOptions) (bool, error)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Publish the notifications of a rewards workflow step",
		Long: `Each subcommand sends the same notifications the rewards workflow sends
after the corresponding state change. Publishing goes through the broker
configured in the environment; --server is not used.`,
	}

	cmd.AddCommand(
		newStepCmd("raised", "A request was raised and assigned to a validator", raisedStep, withRequest, withValidator),
		newStepCmd("approved", "A request was approved", approvedStep, withRequest, withDecision),
		newStepCmd("rejected", "A request was rejected", rejectedStep, withRequest, withDecision),
		newStepCmd("award", "Points were awarded directly, without a request", awardStep, withRequest, withDecision),
		newStepCmd("leaderboard", "The leaderboard changed", leaderboardStep),
		newStepCmd("refresh", "A validator dashboard must reload", refreshStep, withValidator, withAction),
	)
	return cmd
}

type flagSet func(cmd *cobra.Command, opts *workflowOptions)

func withRequest(cmd *cobra.Command, opts *workflowOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.request.RequestID, "request", "", "Request id")
	f.StringVar(&opts.request.EmployeeID, "employee", "", "Employee user id")
	f.StringVar(&opts.request.EmployeeName, "employee-name", "", "Employee display name")
	f.StringVar(&opts.employeeRole, "employee-role", "employee", "Employee role")
	f.StringVar(&opts.request.CategoryID, "category-id", "", "Category id")
	f.StringVar(&opts.request.CategoryName, "category", "", "Category name")
	f.IntVar(&opts.request.Points, "points", 0, "Points of the request")
	f.StringVar(&opts.request.Notes, "notes", "", "Request notes")
}

func withValidator(cmd *cobra.Command, opts *workflowOptions) {
	cmd.Flags().StringVar(&opts.validatorID, "validator", "", "Validator user id")
	cmd.Flags().StringVar(&opts.validatorRole, "validator-role", "", "Validator role (e.g. pm_validator)")
	cmd.MarkFlagRequired("validator") //nolint:errcheck
}

func withDecision(cmd *cobra.Command, opts *workflowOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.deciderID, "decider", "", "User id of the approver or awarder")
	f.StringVar(&opts.decider, "decider-name", "", "Display name of the approver or awarder")
	f.StringSliceVar(&opts.updaters, "updater", nil, "Updater who raised the request, as role:id (repeatable)")
	f.StringVar(&opts.dpID, "dp", "", "Delivery partner id of the employee")
}

func withAction(cmd *cobra.Command, opts *workflowOptions) {
	cmd.Flags().StringVar(&opts.action, "action", "refresh", "Dashboard action")
}

func newStepCmd(use, short string, step workflowStep, flags ...flagSet) *cobra.Command {
	var opts workflowOptions

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, closeBroker, err := openPublisher(cmd.Context())
			if err != nil {
				return err
			}
			defer closeBroker()

			ok, err := step(cmd.Context(), notifications.NewWorkflow(pub), &opts)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: not every notification was published", use)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s notifications\n", use)
			return nil
		},
	}
	for _, add := range flags {
		add(cmd, &opts)
	}
	return cmd
}

// parseRecipients parses role:id values. Roles never contain ':', so the id
// is everything after the first separator.
func parseRecipients(values []string) ([]notifications.Recipient, error) {
	out := make([]notifications.Recipient, 0, len(values))
	for _, v := range values {
		role, id, ok := strings.Cut(v, ":")
		if !ok || role == "" || id == "" {
			return nil, fmt.Errorf("recipient %q must be role:id", v)
		}
		out = append(out, notifications.Recipient{UserID: id, Role: role})
	}
	return out, nil
}

func (o *workflowOptions) employee() notifications.Recipient {
	return notifications.Recipient{UserID: o.request.EmployeeID, Role: o.employeeRole}
}

func (o *workflowOptions) decision() (notifications.Decision, error) {
	if o.request.EmployeeID == "" {
		return notifications.Decision{}, errors.New("--employee is required")
	}
	updaters, err := parseRecipients(o.updaters)
	if err != nil {
		return notifications.Decision{}, err
	}
	return notifications.Decision{
		Request:   o.request,
		Employee:  o.employee(),
		DeciderID: o.deciderID,
		Decider:   o.decider,
		Updaters:  updaters,
		DPID:      o.dpID,
	}, nil
}

func raisedStep(ctx context.Context, w *notifications.Workflow, opts *workflowOptions) (bool, error) {
	validator := notifications.Recipient{UserID: opts.validatorID, Role: opts.validatorRole}
	return w.RequestRaised(ctx, opts.request, validator), nil
}

func approvedStep(ctx context.Context, w *notifications.Workflow, opts *workflowOptions) (bool, error) {
	d, err := opts.decision()
	if err != nil {
		return false, err
	}
	return w.RequestApproved(ctx, d), nil
}

func rejectedStep(ctx context.Context, w *notifications.Workflow, opts *workflowOptions) (bool, error) {
	d, err := opts.decision()
	if err != nil {
		return false, err
	}
	return w.RequestRejected(ctx, d), nil
}

func awardStep(ctx context.Context, w *notifications.Workflow, opts *workflowOptions) (bool, error) {
	if opts.request.EmployeeID == "" {
		return false, errors.New("--employee is required")
	}
	return w.PointsAwarded(ctx, opts.request, opts.employee(), opts.deciderID, opts.decider), nil
}

func leaderboardStep(ctx context.Context, w *notifications.Workflow, _ *workflowOptions) (bool, error) {
	return w.LeaderboardChanged(ctx), nil
}

func refreshStep(ctx context.Context, w *notifications.Workflow, opts *workflowOptions) (bool, error) {
	validator := notifications.Recipient{UserID: opts.validatorID, Role: opts.validatorRole}
	return w.DashboardRefresh(ctx, validator, opts.action), nil
}
