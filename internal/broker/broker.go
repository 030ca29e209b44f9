package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

var (
	// ErrUnavailable is returned by every operation of a binding whose
	// broker could not be reached when it was opened.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("broker is closed")
)

// Message is a single delivery received through a pattern subscription.
type Message struct {
	Pattern string
	Topic   string
	Body    []byte
}

// Broker is the thin adapter over the external pub/sub bus shared by the
// publisher and the router. Implementations must be safe for concurrent use.
type Broker interface {
	// Publish writes data to topic. Delivery is at-most-once.
	Publish(ctx context.Context, topic string, data []byte) error

	// PatternSubscribe opens a subscription receiving every message whose
	// topic matches at least one of the glob patterns.
	PatternSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// Close releases the connection. Subscriptions opened from this broker
	// stop delivering.
	Close() error
}

// Subscription is a pull-style handle returned by PatternSubscribe.
type Subscription interface {
	// Poll waits at most timeout for the next message. It returns nil, nil
	// when the timeout elapses without a message.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close unsubscribes. It is safe to call more than once.
	Close() error
}

// compiled caches glob matchers by pattern. Subscriptions reuse a handful
// of patterns for their whole lifetime.
var compiled sync.Map // pattern -> glob.Glob

// Match reports whether topic matches a Redis-style glob pattern ('*', '?',
// and '[...]' classes). As with PSUBSCRIBE, no character is a separator: '*'
// spans ':' and '/' alike. An invalid pattern matches nothing.
func Match(pattern, topic string) bool {
	if g, ok := compiled.Load(pattern); ok {
		return g.(glob.Glob).Match(topic)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	compiled.Store(pattern, g)
	return g.Match(topic)
}

// matchAny returns the first pattern matching topic, or "" if none does.
func matchAny(patterns []string, topic string) string {
	for _, p := range patterns {
		if Match(p, topic) {
			return p
		}
	}
	return ""
}
