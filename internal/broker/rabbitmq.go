package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig holds configuration for the RabbitMQ binding.
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	ConnectTimeout time.Duration
}

// RabbitMQ implements Broker on a topic exchange. The routing topic is used
// as the AMQP routing key; since ':' is not a word separator for topic
// exchanges, subscriptions bind with "#" and filter on the key themselves.
type RabbitMQ struct {
	config RabbitMQConfig
	conn   *amqp.Connection

	pubMu sync.Mutex // amqp channels must not be published on concurrently
	pubCh *amqp.Channel

	mu     sync.Mutex
	closed bool
}

// NewRabbitMQ dials the server and declares the exchange.
func NewRabbitMQ(config RabbitMQConfig) (*RabbitMQ, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if config.Exchange == "" {
		config.Exchange = "pbs.realtime"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	conn, err := amqp.DialConfig(config.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(config.ConnectTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		config.Exchange, // name
		"topic",         // kind
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", config.Exchange, err)
	}

	return &RabbitMQ{config: config, conn: conn, pubCh: ch}, nil
}

// Publish sends data to the exchange with topic as routing key. Messages are
// transient: nothing is replayed after a restart.
func (b *RabbitMQ) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.pubCh.PublishWithContext(ctx,
		b.config.Exchange, // exchange
		topic,             // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
			Body:         data,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", topic, err)
	}
	return nil
}

// PatternSubscribe declares a server-named exclusive queue bound to the
// exchange and starts consuming with auto-ack.
func (b *RabbitMQ) PatternSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // name: server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "#", b.config.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue to %s: %w", b.config.Exchange, err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", q.Name, err)
	}

	return &rabbitSubscription{
		channel:    ch,
		deliveries: deliveries,
		patterns:   append([]string(nil), patterns...),
	}, nil
}

// Close closes the publish channel and the connection.
func (b *RabbitMQ) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type rabbitSubscription struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	patterns   []string

	closeOnce sync.Once
	closeErr  error
}

func (s *rabbitSubscription) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		pattern := matchAny(s.patterns, d.RoutingKey)
		if pattern == "" {
			return nil, nil
		}
		return &Message{Pattern: pattern, Topic: d.RoutingKey, Body: d.Body}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *rabbitSubscription) Close() error {
	s.closeOnce.Do(func() {
		if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
