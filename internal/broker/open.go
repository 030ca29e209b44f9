package broker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/internal/config"
)

// Open creates the Broker selected by cfg.BrokerDriver. It never fails: when
// the broker cannot be reached the error is logged and an Unavailable binding
// is returned instead.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) Broker {
	log = log.With(zap.String("driver", cfg.BrokerDriver))

	b, err := dial(ctx, cfg)
	if err != nil {
		log.Warn("broker unavailable, realtime notifications disabled", zap.Error(err))
		return &Unavailable{Driver: cfg.BrokerDriver, Cause: err}
	}

	log.Info("broker connected")
	return b
}

func dial(ctx context.Context, cfg *config.Config) (Broker, error) {
	switch cfg.BrokerDriver {
	case config.DriverRedis:
		return NewRedis(ctx, RedisConfig{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			ConnectTimeout: cfg.BrokerConnectTimeout,
		})
	case config.DriverKafka:
		return NewKafka(KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTopic,
			ClientID:      cfg.KafkaClientID,
		})
	case config.DriverRabbitMQ:
		return NewRabbitMQ(RabbitMQConfig{
			URL:            cfg.RabbitMQURL,
			Exchange:       cfg.RabbitMQExchange,
			ConnectTimeout: cfg.BrokerConnectTimeout,
		})
	case config.DriverMemory:
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported broker driver " + cfg.BrokerDriver)
	}
}

// Available reports whether b is a connected binding.
func Available(b Broker) bool {
	_, down := b.(*Unavailable)
	return !down
}
