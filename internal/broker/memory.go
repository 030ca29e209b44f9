package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriptionBuffer bounds how many undelivered messages a memory
// subscription holds before new ones are dropped.
const subscriptionBuffer = 1024

// Memory is a single-process Broker backed by Go channels. It is suitable for
// development, single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription // subscription ID -> subscription
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]*memorySubscription)}
}

// Publish delivers data to every subscription with a matching pattern. A
// subscription whose buffer is full misses the message.
func (b *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, s := range b.subs {
		pattern := matchAny(s.patterns, topic)
		if pattern == "" {
			continue
		}
		// Copy so a subscriber can never observe a caller mutating its buffer.
		body := append([]byte(nil), data...)
		select {
		case s.ch <- &Message{Pattern: pattern, Topic: topic, Body: body}:
		default:
		}
	}
	return nil
}

// PatternSubscribe registers a new subscription for the given patterns.
func (b *Memory) PatternSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &memorySubscription{
		id:       uuid.New().String(),
		broker:   b,
		patterns: append([]string(nil), patterns...),
		ch:       make(chan *Message, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	b.subs[s.id] = s
	return s, nil
}

// Close detaches every subscription and rejects further use.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for id, s := range b.subs {
		s.closeOnce.Do(func() { close(s.done) })
		delete(b.subs, id)
	}
	return nil
}

type memorySubscription struct {
	id        string
	broker    *Memory
	patterns  []string
	ch        chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	// Buffered messages are drained before a close is reported.
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s.id)
	s.broker.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
