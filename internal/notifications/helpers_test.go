package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
)

// delivery is one call recorded by recordingTransport. Room is empty for
// broadcasts.
type delivery struct {
	Room  string
	Event string
	Data  json.RawMessage
}

// recordingTransport records every delivery. When panicOn matches the event
// name it panics instead.
type recordingTransport struct {
	mu      sync.Mutex
	calls   []delivery
	panicOn string
	err     error
	signal  chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{signal: make(chan struct{}, 64)}
}

func (r *recordingTransport) record(d delivery) error {
	if r.panicOn != "" && d.Event == r.panicOn {
		panic("transport exploded")
	}
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return r.err
}

func (r *recordingTransport) Emit(room, event string, data json.RawMessage) error {
	return r.record(delivery{Room: room, Event: event, Data: data})
}

func (r *recordingTransport) Broadcast(event string, data json.RawMessage) error {
	return r.record(delivery{Event: event, Data: data})
}

func (r *recordingTransport) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]delivery, len(r.calls))
	copy(cp, r.calls)
	return cp
}

// waitFor blocks until at least n deliveries were recorded or the timeout
// expires, and returns what was recorded.
func (r *recordingTransport) waitFor(n int, timeout time.Duration) []delivery {
	deadline := time.After(timeout)
	for {
		if got := r.deliveries(); len(got) >= n {
			return got
		}
		select {
		case <-r.signal:
		case <-deadline:
			return r.deliveries()
		}
	}
}

// flakyBroker wraps a broker and fails publishes once the failAfter budget
// is spent, and subscriptions while failSubscribe is set.
type flakyBroker struct {
	broker.Broker

	mu            sync.Mutex
	published     []string
	failAfter     int
	failSubscribe bool
}

func (f *flakyBroker) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return errors.New("broker write failed")
	}
	f.published = append(f.published, topic)
	return f.Broker.Publish(ctx, topic, data)
}

func (f *flakyBroker) PatternSubscribe(ctx context.Context, patterns ...string) (broker.Subscription, error) {
	f.mu.Lock()
	fail := f.failSubscribe
	f.mu.Unlock()
	if fail {
		return nil, errors.New("subscribe refused")
	}
	return f.Broker.PatternSubscribe(ctx, patterns...)
}

func (f *flakyBroker) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

// gatedBroker holds PatternSubscribe until release is closed.
type gatedBroker struct {
	broker.Broker

	entered chan struct{}
	release chan struct{}
}

func newGatedBroker(b broker.Broker) *gatedBroker {
	return &gatedBroker{Broker: b, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedBroker) PatternSubscribe(ctx context.Context, patterns ...string) (broker.Subscription, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Broker.PatternSubscribe(ctx, patterns...)
}

// erroringSubscription fails the first n polls before delegating.
type erroringSubscription struct {
	broker.Subscription

	mu    sync.Mutex
	fails int
	err   error
}

func (s *erroringSubscription) Poll(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, s.err
	}
	s.mu.Unlock()
	return s.Subscription.Poll(ctx, timeout)
}

// erroringBroker hands out erroringSubscriptions.
type erroringBroker struct {
	broker.Broker
	fails int
	err   error
}

func (b *erroringBroker) PatternSubscribe(ctx context.Context, patterns ...string) (broker.Subscription, error) {
	sub, err := b.Broker.PatternSubscribe(ctx, patterns...)
	if err != nil {
		return nil, err
	}
	fails := b.fails
	b.fails = 0
	return &erroringSubscription{Subscription: sub, fails: fails, err: b.err}, nil
}

func testListenerConfig() ListenerConfig {
	return ListenerConfig{PollTimeout: 20 * time.Millisecond, RetryBackoff: 10 * time.Millisecond}
}

func newTestPublisher(b broker.Broker) *Publisher {
	return NewPublisher(b, "employee", zap.NewNop(), metrics.New())
}

// startBridge wires a publisher, router and listener around one broker and
// starts listening.
func startBridge(b broker.Broker, tr Transport) (*Publisher, *Listener, error) {
	m := metrics.New()
	pub := NewPublisher(b, "employee", zap.NewNop(), m)
	l := NewListener(b, NewRouter(tr, m), testListenerConfig(), zap.NewNop(), m)
	if err := l.Start(context.Background()); err != nil {
		return nil, nil, err
	}
	return pub, l, nil
}
