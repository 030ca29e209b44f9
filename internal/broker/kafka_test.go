package broker

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// Kafka tests verify interface compliance and configuration validation.
// Set KAFKA_BROKERS_TEST to run the round trip against a real cluster.

func TestKafka_ImplementsInterface(t *testing.T) {
	var _ Broker = (*Kafka)(nil)
}

func TestNewKafka_RequiresBrokers(t *testing.T) {
	if _, err := NewKafka(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers list")
	}
}

func TestNewKafka_Defaults(t *testing.T) {
	b, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	if b.config.Topic != "pbs-realtime" {
		t.Errorf("expected default topic, got %s", b.config.Topic)
	}
	if b.config.ClientID != "pbs-realtime" {
		t.Errorf("expected default client id, got %s", b.config.ClientID)
	}
}

func TestKafka_ClosePreventsFurtherUse(t *testing.T) {
	b, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if err := b.Publish(context.Background(), "all:x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed publishing after close, got %v", err)
	}
	if _, err := b.PatternSubscribe(context.Background(), "all:*"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed subscribing after close, got %v", err)
	}
}

func TestKafka_SubscribeUnreachableLeavesNothingBehind(t *testing.T) {
	b, err := NewKafka(KafkaConfig{Brokers: []string{"127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.PatternSubscribe(ctx, "user:*"); err == nil {
		t.Fatal("expected an error subscribing to an unreachable cluster")
	}
	if n := len(b.readers); n != 0 {
		t.Errorf("expected no registered subscriptions, got %d", n)
	}
}

func TestKafkaSubscription_Poll(t *testing.T) {
	b, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	sub := newKafkaSubscription(b, []string{"user:*"})
	sub.start(nil)
	ctx := context.Background()

	msg, err := sub.Poll(ctx, 20*time.Millisecond)
	if err != nil || msg != nil {
		t.Fatalf("expected timeout, got %v, %v", msg, err)
	}

	sub.messages <- &Message{Pattern: "user:*", Topic: "user:employee:42", Body: []byte(`{}`)}
	msg, err = sub.Poll(ctx, time.Second)
	if err != nil || msg == nil || msg.Topic != "user:employee:42" {
		t.Fatalf("expected buffered message, got %v, %v", msg, err)
	}

	sub.errs <- errors.New("leader not available")
	if _, err := sub.Poll(ctx, time.Second); err == nil || errors.Is(err, ErrClosed) {
		t.Fatalf("expected read error, got %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, err := sub.Poll(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestKafka_RoundTrip(t *testing.T) {
	addrs := os.Getenv("KAFKA_BROKERS_TEST")
	if addrs == "" {
		t.Skip("KAFKA_BROKERS_TEST not set")
	}

	b, err := NewKafka(KafkaConfig{Brokers: strings.Split(addrs, ","), Topic: "pbs-realtime-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	roundTrip(t, b)
}

// roundTrip subscribes, publishes one matching and one non-matching message
// and expects only the matching one. Used by the integration tests of the
// network drivers.
func roundTrip(t *testing.T, b Broker) {
	t.Helper()
	ctx := context.Background()

	sub, err := b.PatternSubscribe(ctx, "user:*")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if err := b.Publish(ctx, "role:pm:updates", []byte(`{"skip":true}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if err := b.Publish(ctx, "user:employee:42", []byte(`{"ok":true}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		for i := 0; i < 4; i++ {
			msg, err := sub.Poll(ctx, 500*time.Millisecond)
			if err != nil {
				t.Fatalf("poll failed: %v", err)
			}
			if msg == nil {
				continue
			}
			if msg.Topic != "user:employee:42" {
				t.Fatalf("received non-matching topic %s", msg.Topic)
			}
			return
		}
	}
	t.Fatal("no message received before deadline")
}
