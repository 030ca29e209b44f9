package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/config"
	"github.com/darkden-lab/pbs-realtime/internal/events"
)

func newTapCmd() *cobra.Command {
	var (
		patterns []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Print every envelope published on the realtime topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b := broker.Open(ctx, cfg, zap.NewNop())
			defer b.Close()

			sub, err := b.PatternSubscribe(ctx, patterns...)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			return tap(ctx, sub, cmd.OutOrStdout(), limit, cfg.RetryBackoff)
		},
	}

	cmd.Flags().StringSliceVar(&patterns, "pattern", events.SubscribePatterns, "Topic patterns to subscribe to")
	cmd.Flags().IntVar(&limit, "limit", 0, "Exit after this many messages (0 means no limit)")

	return cmd
}

// tapLine is one line of tap output.
type tapLine struct {
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type,omitempty"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

// tap prints messages from sub as JSON lines until ctx ends or limit
// messages were printed. Poll errors are retried after backoff.
func tap(ctx context.Context, sub broker.Subscription, out io.Writer, limit int, backoff time.Duration) error {
	enc := json.NewEncoder(out)
	for n := 0; limit == 0 || n < limit; {
		msg, err := sub.Poll(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		if msg == nil {
			continue
		}

		line := tapLine{Topic: msg.Topic}
		if env, err := events.ParseEnvelope(msg.Body); err == nil {
			line.EventType, line.ID, line.Data = env.EventType, env.ID, env.Data
		} else {
			line.Raw = string(msg.Body)
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
		n++
	}
	return nil
}
