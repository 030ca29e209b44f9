package broker

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestRedis_ImplementsInterface(t *testing.T) {
	var _ Broker = (*Redis)(nil)
}

func TestNewRedis_RequiresAddr(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestNewRedis_Unreachable(t *testing.T) {
	start := time.Now()
	_, err := NewRedis(context.Background(), RedisConfig{
		Addr:           "127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("connect attempt was not bounded by the timeout (%s)", time.Since(start))
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR_TEST")
	if addr == "" {
		t.Skip("REDIS_ADDR_TEST not set")
	}

	b, err := NewRedis(context.Background(), RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	roundTrip(t, b)
}

func TestRedis_PollTimeoutReturnsNil(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR_TEST")
	if addr == "" {
		t.Skip("REDIS_ADDR_TEST not set")
	}

	b, err := NewRedis(context.Background(), RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	sub, err := b.PatternSubscribe(context.Background(), "pbs-test-nothing:*")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	msg, err := sub.Poll(context.Background(), 100*time.Millisecond)
	if err != nil || msg != nil {
		t.Errorf("expected nil, nil on timeout, got %v / %v", msg, err)
	}
}
