package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaDialTimeout  = 10 * time.Second
	kafkaRetryBackoff = time.Second
	kafkaBuffer       = 256
)

// KafkaConfig holds configuration for the Kafka binding.
type KafkaConfig struct {
	Brokers  []string // list of broker addresses
	Topic    string   // Kafka topic carrying every envelope
	ClientID string   // client id reported to the cluster
}

// Kafka implements Broker on a single Kafka topic. Kafka topic names cannot
// hold the ':'-separated routing topics, so the routing topic travels as the
// message key and subscriptions filter on it.
type Kafka struct {
	config KafkaConfig
	dialer *kafka.Dialer
	writer *kafka.Writer

	mu      sync.Mutex
	readers map[string]*kafkaSubscription
	closed  bool
}

// NewKafka creates a Kafka binding. The writer connects lazily, so an
// unreachable cluster surfaces on the first Publish or PatternSubscribe.
func NewKafka(config KafkaConfig) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.Topic == "" {
		config.Topic = "pbs-realtime"
	}
	if config.ClientID == "" {
		config.ClientID = "pbs-realtime"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: config.ClientID},
	}

	return &Kafka{
		config:  config,
		dialer:  &kafka.Dialer{ClientID: config.ClientID, Timeout: kafkaDialTimeout},
		writer:  writer,
		readers: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes data keyed by topic. Keying by topic keeps per-topic order
// within one partition.
func (b *Kafka) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	msg := kafka.Message{
		Key:   []byte(topic),
		Value: data,
		Time:  time.Now(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// PatternSubscribe opens one reader per partition of the topic, positioned
// at the newest offset. The readers use no consumer group: every subscription
// sees every message, there is no replay, and nothing is left registered on
// the cluster after Close. Partitions added after subscribing are not read.
func (b *Kafka) PatternSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	partitions, err := b.partitions(ctx)
	if err != nil {
		return nil, err
	}

	readers := make([]*kafka.Reader, 0, len(partitions))
	for _, p := range partitions {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.config.Brokers,
			Topic:     b.config.Topic,
			Partition: p,
			Dialer:    b.dialer,
			MinBytes:  1,
			MaxBytes:  10e6, // 10MB
			MaxWait:   500 * time.Millisecond,
		})
		if err := r.SetOffset(kafka.LastOffset); err != nil {
			r.Close()
			closeReaders(readers) //nolint:errcheck
			return nil, fmt.Errorf("seek partition %d: %w", p, err)
		}
		readers = append(readers, r)
	}

	sub := newKafkaSubscription(b, patterns)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closeReaders(readers) //nolint:errcheck
		return nil, ErrClosed
	}
	b.readers[sub.id] = sub
	b.mu.Unlock()

	sub.start(readers)
	return sub, nil
}

// partitions returns the partition ids of the topic, creating the topic with
// a single partition when the cluster does not know it yet.
func (b *Kafka) partitions(ctx context.Context) ([]int, error) {
	var errs []error
	for _, addr := range b.config.Brokers {
		conn, err := b.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids, err := b.readPartitions(ctx, conn)
		conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return ids, nil
	}
	return nil, fmt.Errorf("kafka partitions of %s: %w", b.config.Topic, errors.Join(errs...))
}

func (b *Kafka) readPartitions(ctx context.Context, conn *kafka.Conn) ([]int, error) {
	parts, err := conn.ReadPartitions(b.config.Topic)
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		if err := b.createTopic(ctx, conn); err != nil {
			return nil, err
		}
		parts, err = conn.ReadPartitions(b.config.Topic)
	}
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", b.config.Topic)
	}

	ids := make([]int, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	return ids, nil
}

func (b *Kafka) createTopic(ctx context.Context, conn *kafka.Conn) error {
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             b.config.Topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", b.config.Topic, err)
	}
	return nil
}

// Close shuts down all readers and the writer.
func (b *Kafka) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.readers))
	for _, sub := range b.readers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func closeReaders(readers []*kafka.Reader) error {
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// kafkaSubscription merges the partition readers into one stream. Each
// partition is read by its own goroutine, so per-partition (and therefore
// per-topic) order is kept.
type kafkaSubscription struct {
	id       string
	broker   *Kafka
	patterns []string

	readers  []*kafka.Reader
	messages chan *Message
	errs     chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newKafkaSubscription(b *Kafka, patterns []string) *kafkaSubscription {
	return &kafkaSubscription{
		id:       uuid.New().String(),
		broker:   b,
		patterns: append([]string(nil), patterns...),
		messages: make(chan *Message, kafkaBuffer),
		errs:     make(chan error, 1),
		cancel:   func() {},
		done:     make(chan struct{}),
	}
}

func (s *kafkaSubscription) start(readers []*kafka.Reader) {
	ctx, cancel := context.WithCancel(context.Background())
	s.readers = readers
	s.cancel = cancel
	for _, r := range readers {
		s.wg.Add(1)
		go s.consume(ctx, r)
	}
}

func (s *kafkaSubscription) consume(ctx context.Context, r *kafka.Reader) {
	defer s.wg.Done()
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(kafkaRetryBackoff):
			}
			continue
		}

		topic := string(msg.Key)
		pattern := matchAny(s.patterns, topic)
		if pattern == "" {
			continue
		}
		select {
		case s.messages <- &Message{Pattern: pattern, Topic: topic, Body: msg.Value}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *kafkaSubscription) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.messages:
		return msg, nil
	case err := <-s.errs:
		return nil, fmt.Errorf("kafka read: %w", err)
	case <-s.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *kafkaSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()

		s.broker.mu.Lock()
		delete(s.broker.readers, s.id)
		s.broker.mu.Unlock()

		s.closeErr = closeReaders(s.readers)
	})
	return s.closeErr
}
