// Package config loads event bus settings from a YAML file, an optional environment specific
// overlay, optional .env files and EVENTBUS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/next-trace/scg-event-bus/connection"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/deadletter"
	"github.com/next-trace/scg-event-bus/logging"
	"github.com/next-trace/scg-event-bus/publisher"
	"github.com/next-trace/scg-event-bus/subscriber"
)

// Transports understood by the CLI and the servicebus facade.
const (
	TransportNATS     = "nats"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
	TransportInMemory = "inmemory"
)

var transports = []string{TransportNATS, TransportRabbitMQ, TransportKafka, TransportInMemory}

type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type BusConfig struct {
	Transport     string   `yaml:"transport"`
	Addresses     []string `yaml:"addresses"`
	MaxReconnects *int     `yaml:"max_reconnects"`
	// RetryTimeout is in seconds; nil retries forever.
	RetryTimeout *int          `yaml:"retry_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Name         string        `yaml:"name"`
}

type PublisherConfig struct {
	Subject         string        `yaml:"subject"`
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	Overflow        string        `yaml:"overflow"`
	EnqueueTimeout  time.Duration `yaml:"enqueue_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ResendDelay     time.Duration `yaml:"resend_delay"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
	MaxInflight     int           `yaml:"max_inflight"`
}

type SubscriberConfig struct {
	Subject         string `yaml:"subject"`
	MailboxCapacity int    `yaml:"mailbox_capacity"`
}

type DeadLetterConfig struct {
	// RedisAddr selects the Redis sink; empty logs dead letters instead.
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	MaxLen    int64  `yaml:"max_len"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint; empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Bus: BusConfig{
			Transport: TransportNATS,
			Addresses: []string{"nats://127.0.0.1:4222"},
			Name:      "scg-event-bus",
		},
		Publisher: PublisherConfig{
			Subject:         "service.auth",
			MailboxCapacity: 1024,
			Overflow:        publisher.DropNewest.String(),
			MaxAttempts:     publisher.DefaultMaxAttempts,
			ResendDelay:     publisher.DefaultResendDelay,
			RestartCooldown: publisher.DefaultRestartCooldown,
			MaxInflight:     publisher.DefaultMaxInflight,
		},
		Subscriber: SubscriberConfig{
			Subject:         "service.auth",
			MailboxCapacity: 1024,
		},
		DeadLetter: DeadLetterConfig{
			RedisKey: deadletter.DefaultKey,
			MaxLen:   10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(transports, c.Bus.Transport) {
		errs = append(errs, fmt.Errorf("bus.transport %q must be one of %s", c.Bus.Transport, strings.Join(transports, ", ")))
	}

	if c.ClientSettings().JoinedAddresses() == "" {
		errs = append(errs, errors.New("bus.addresses must not be empty"))
	}

	if c.Bus.RetryTimeout != nil && *c.Bus.RetryTimeout < 0 {
		errs = append(errs, errors.New("bus.retry_timeout must not be negative"))
	}

	if c.Publisher.MailboxCapacity <= 0 {
		errs = append(errs, errors.New("publisher.mailbox_capacity must be positive"))
	}

	if _, err := publisher.ParseOverflowPolicy(c.Publisher.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("publisher.overflow: %w", err))
	}

	if c.Subscriber.MailboxCapacity <= 0 {
		errs = append(errs, errors.New("subscriber.mailbox_capacity must be positive"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("config: %w", errors.Join(append([]error{berr.ErrInvalidConfig}, errs...)...))
}

// ClientSettings converts the bus section.
func (c Config) ClientSettings() connection.ClientSettings {
	s := connection.ClientSettings{
		Addresses:     c.Bus.Addresses,
		MaxReconnects: c.Bus.MaxReconnects,
		Name:          c.Bus.Name,
		DialTimeout:   c.Bus.DialTimeout,
	}

	if c.Bus.RetryTimeout != nil {
		d := time.Duration(*c.Bus.RetryTimeout) * time.Second
		s.RetryTimeout = &d
	}

	return s
}

// PublisherConfig converts the bus and publisher sections.
func (c Config) PublisherConfig() (publisher.Config, error) {
	overflow, err := publisher.ParseOverflowPolicy(c.Publisher.Overflow)
	if err != nil {
		return publisher.Config{}, err
	}

	return publisher.Config{
		ClientSettings:  c.ClientSettings(),
		Subject:         c.Publisher.Subject,
		MailboxCapacity: c.Publisher.MailboxCapacity,
		Overflow:        overflow,
		EnqueueTimeout:  c.Publisher.EnqueueTimeout,
		MaxAttempts:     c.Publisher.MaxAttempts,
		ResendDelay:     c.Publisher.ResendDelay,
		RestartCooldown: c.Publisher.RestartCooldown,
		MaxInflight:     c.Publisher.MaxInflight,
	}, nil
}

// SubscriberConfig converts the bus and subscriber sections.
func (c Config) SubscriberConfig() subscriber.Config {
	return subscriber.Config{
		ClientSettings:  c.ClientSettings(),
		Subject:         c.Subscriber.Subject,
		MailboxCapacity: c.Subscriber.MailboxCapacity,
	}
}
