package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/config"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
	"github.com/darkden-lab/pbs-realtime/internal/notifications"
)

type publishOptions struct {
	event        string
	userID       string
	role         string
	onlyAssigned bool
	data         string
}

func newPublishCmd() *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event",
		Example: `  rtctl publish --event points_awarded --user 42 --role employee --data '{"points":50}'
  rtctl publish --event leaderboard_update
  rtctl --server http://localhost:8080 publish --event new_request --user 7 --role pm --only-assigned`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(opts.data)
			if err != nil {
				return err
			}

			var published bool
			if server != "" {
				published, err = publishHTTP(cmd.Context(), server, opts, payload)
			} else {
				published, err = publishBroker(cmd.Context(), opts, payload)
			}
			if err != nil {
				return err
			}
			if !published {
				return errors.New("event was not published")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", opts.event)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.event, "event", "", "Event type (e.g. points_awarded)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "Target user id")
	cmd.Flags().StringVar(&opts.role, "role", "", "Target role")
	cmd.Flags().BoolVar(&opts.onlyAssigned, "only-assigned", false, "Skip the role-wide topic for request events")
	cmd.Flags().StringVar(&opts.data, "data", "{}", "JSON payload")
	cmd.MarkFlagRequired("event") //nolint:errcheck

	return cmd
}

func parsePayload(data string) (json.RawMessage, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// openPublisher connects to the broker configured in the environment. The
// returned func closes the connection.
func openPublisher(ctx context.Context) (*notifications.Publisher, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	log := zap.NewNop()
	b := broker.Open(ctx, cfg, log)
	if !broker.Available(b) {
		b.Close()
		return nil, nil, fmt.Errorf("%s broker: %w", cfg.BrokerDriver, broker.ErrUnavailable)
	}

	pub := notifications.NewPublisher(b, cfg.FallbackRole, log, metrics.New())
	return pub, func() { b.Close() }, nil
}

func publishBroker(ctx context.Context, opts publishOptions, payload json.RawMessage) (bool, error) {
	pub, closeBroker, err := openPublisher(ctx)
	if err != nil {
		return false, err
	}
	defer closeBroker()

	return pub.Publish(ctx, opts.event, payload, notifications.Target{
		UserID:       opts.userID,
		Role:         opts.role,
		OnlyAssigned: opts.onlyAssigned,
	}), nil
}

func publishHTTP(ctx context.Context, baseURL string, opts publishOptions, payload json.RawMessage) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"event_type":           opts.event,
		"payload":              payload,
		"target_user_id":       opts.userID,
		"target_role":          opts.role,
		"notify_only_assigned": opts.onlyAssigned,
	})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/api/realtime/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e) //nolint:errcheck
		return false, fmt.Errorf("server returned %s: %s", resp.Status, e.Error)
	}

	var out struct {
		Published bool `json:"published"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return out.Published, nil
}
