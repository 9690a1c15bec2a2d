package servicebus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/adapters/kafka"
	natsadapter "github.com/next-trace/scg-event-bus/adapters/nats"
	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/deadletter"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	amqpConnTimeout     = 10 * time.Second
	amqpReconnectDelay  = time.Second
	deadLetterRedisPool = 4
)

// DialerFor returns the dialer for a configured transport. Every call to the in-memory
// transport returns a fresh broker.
func DialerFor(transport string) (cbus.Dialer, error) {
	switch transport {
	case config.TransportNATS:
		return natsadapter.Dialer{}, nil
	case config.TransportRabbitMQ:
		return rabbitmq.Dialer{ConnTimeout: amqpConnTimeout, ReconnectDelay: amqpReconnectDelay}, nil
	case config.TransportKafka:
		return kafka.Dialer{Acks: kgo.AllISRAcks(), Idempotent: true}, nil
	case config.TransportInMemory:
		return inmemory.New(), nil
	default:
		return nil, fmt.Errorf("transport %q: %w", transport, berr.ErrInvalidConfig)
	}
}

// FromConfig builds a Bus from loaded configuration. Dead letters always go to the log;
// a configured Redis address adds a Redis list, and its client is closed with the Bus.
// opts are applied after the ones derived from cfg.
func FromConfig(cfg config.Config, logger *slog.Logger, opts ...BusOption) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d, err := DialerFor(cfg.Bus.Transport)
	if err != nil {
		return nil, err
	}

	if kd, ok := d.(kafka.Dialer); ok {
		kd.Logger = logger
		d = kd
	}

	defaults, err := cfg.PublisherConfig()
	if err != nil {
		return nil, err
	}

	sink := deadletter.Sink(deadletter.NewLogSink(logger))
	base := []BusOption{WithPublisherDefaults(defaults)}

	if cfg.DeadLetter.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.DeadLetter.RedisAddr,
			PoolSize: deadLetterRedisPool,
		})

		sink = deadletter.Multi{sink, deadletter.NewRedisSink(rdb, cfg.DeadLetter.RedisKey, cfg.DeadLetter.MaxLen)}
		base = append(base, WithCloser(rdb.Close))
	}

	base = append(base, WithDeadLetter(sink))

	return New(d, cfg.ClientSettings(), logger, append(base, opts...)...), nil
}
