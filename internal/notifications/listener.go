package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/events"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
)

// State is the lifecycle state of a Listener.
type State int32

const (
	StateStopped State = iota
	StateSubscribing
	StateListening
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateListening:
		return "listening"
	default:
		return "stopped"
	}
}

// ListenerConfig tunes the receive loop.
type ListenerConfig struct {
	PollTimeout  time.Duration // upper bound of a single Poll
	RetryBackoff time.Duration // pause after a broker error
}

// Listener is the long-running router task: it pattern-subscribes to every
// topic family and hands each received envelope to the Router. Run exactly
// one per process.
type Listener struct {
	broker  broker.Broker
	router  *Router
	cfg     ListenerConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  State
	sub    broker.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	abort  bool // Stop was called while subscribing
}

// NewListener creates a stopped Listener.
func NewListener(b broker.Broker, router *Router, cfg ListenerConfig, log *zap.Logger, m *metrics.Metrics) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Listener{
		broker:  b,
		router:  router,
		cfg:     cfg,
		log:     log.Named("listener"),
		metrics: m,
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start subscribes to user:*, role:* and all:* and starts the receive loop.
// Calling Start on a running or subscribing listener is a no-op. If the
// subscription cannot be opened the listener stays stopped and the error is
// returned. State stays readable while subscribing.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return nil
	}
	l.state = StateSubscribing
	l.abort = false
	l.mu.Unlock()

	sub, err := l.broker.PatternSubscribe(ctx, events.SubscribePatterns...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.state = StateStopped
		return fmt.Errorf("subscribe %v: %w", events.SubscribePatterns, err)
	}
	if l.abort {
		l.state = StateStopped
		return sub.Close()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = StateListening

	go l.run(runCtx, l.done)

	l.log.Info("listening", zap.Strings("patterns", events.SubscribePatterns))
	return nil
}

// Stop ends the receive loop at its next iteration boundary and closes the
// subscription. It is idempotent. A Start still subscribing is told to close
// its subscription instead of listening.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state == StateSubscribing {
		l.abort = true
	}
	if l.state != StateListening {
		l.mu.Unlock()
		return nil
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.sub != nil {
		err = l.sub.Close()
		l.sub = nil
	}
	l.state = StateStopped
	l.log.Info("stopped")
	return err
}

func (l *Listener) subscription() broker.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := l.subscription().Poll(ctx, l.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.metrics.ListenerErrors.Inc()
			l.log.Warn("broker receive failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", l.cfg.RetryBackoff))
			if !l.sleep(ctx) {
				return
			}
			if errors.Is(err, broker.ErrClosed) {
				l.resubscribe(ctx)
			}
			continue
		}
		if msg == nil {
			continue
		}

		l.handle(msg)
	}
}

// sleep waits for the retry backoff and reports false if the listener was
// stopped meanwhile.
func (l *Listener) sleep(ctx context.Context) bool {
	t := time.NewTimer(l.cfg.RetryBackoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// resubscribe replaces a subscription the broker has closed underneath us.
func (l *Listener) resubscribe(ctx context.Context) {
	sub, err := l.broker.PatternSubscribe(ctx, events.SubscribePatterns...)
	if err != nil {
		l.log.Warn("resubscribe failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	old := l.sub
	l.sub = sub
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.log.Info("resubscribed")
}

func (l *Listener) handle(msg *broker.Message) {
	env, err := events.ParseEnvelope(msg.Body)
	if err != nil {
		l.metrics.DroppedTotal.WithLabelValues("malformed").Inc()
		l.log.Debug("dropping malformed message", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}

	if err := l.router.Route(msg.Topic, env); err != nil {
		l.metrics.DroppedTotal.WithLabelValues("routing").Inc()
		l.log.Warn("failed to route message",
			zap.String("topic", msg.Topic),
			zap.String("event_type", env.EventType),
			zap.String("envelope_id", env.ID),
			zap.Error(err))
	}
}
