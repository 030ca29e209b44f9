package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis binding.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
}

// Redis implements Broker on Redis PUBLISH / PSUBSCRIBE.
type Redis struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedis connects to Redis and verifies the connection with PING. Callers
// that want to keep running without Redis should fall back to Unavailable.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.ConnectTimeout,
		WriteTimeout: cfg.ConnectTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{client: rdb}, nil
}

func (b *Redis) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends data on the Redis channel named topic.
func (b *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// PatternSubscribe issues PSUBSCRIBE and waits for the server confirmation so
// that a returned subscription is already receiving.
func (b *Redis) PatternSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}
	return &redisSubscription{pubsub: ps}, nil
}

// Close closes the client and its connection pool.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	msg, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("redis receive: %w", err)
	}

	switch m := msg.(type) {
	case *redis.Message:
		return &Message{Pattern: m.Pattern, Topic: m.Channel, Body: []byte(m.Payload)}, nil
	default:
		// Subscription confirmations and pongs carry no event.
		return nil, nil
	}
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// PUNSUBSCRIBE is best-effort: the connection may already be gone.
		_ = s.pubsub.PUnsubscribe(ctx)
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
