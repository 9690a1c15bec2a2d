package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is one Kafka record in transport neutral form.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Writer is a minimal Kafka-like producer interface.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Reader polls one topic. Read blocks until at least one record is available,
// ctx is done or the reader is closed (kgo.ErrClientClosed).
type Reader interface {
	Read(ctx context.Context) ([]Record, error)
	Close()
}

// Client is the franz-go surface the adapter needs; tests provide a fake.
type Client interface {
	Writer
	// Reader starts consuming topic from its end.
	Reader(topic string) (Reader, error)
	Close()
}

// Conn implements cbus.Conn over a Client. Subjects are topic names.
type Conn struct {
	Client Client
	closed atomic.Bool
}

var _ cbus.Conn = (*Conn)(nil)

// New wraps c.
func New(c Client) *Conn { return &Conn{Client: c} }

func (c *Conn) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := c.ready(ctx, "publish"); err != nil {
		return err
	}

	if err := c.Client.Write(ctx, subject, nil, data, headers); err != nil {
		return wrapErr("publish to "+subject, err)
	}

	return nil
}

func (c *Conn) Subscribe(ctx context.Context, subject string) (cbus.Subscription, error) {
	if err := c.ready(ctx, "subscribe"); err != nil {
		return nil, err
	}

	r, err := c.Client.Reader(subject)
	if err != nil {
		return nil, wrapErr("subscribe to "+subject, err)
	}

	return &subscription{reader: r}, nil
}

func (c *Conn) Close() error {
	if c.Client == nil || c.closed.Swap(true) {
		return fmt.Errorf("kafka close: %w", berr.ErrNotConnected)
	}

	c.Client.Close()

	return nil
}

func (c *Conn) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.Client == nil || c.closed.Load() {
		return fmt.Errorf("kafka %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

type subscription struct {
	reader Reader

	mu      sync.Mutex
	pending []Record
	once    sync.Once
}

func (s *subscription) Next(ctx context.Context) (cbus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		recs, err := s.reader.Read(ctx)
		if err != nil {
			if errors.Is(err, kgo.ErrClientClosed) {
				return cbus.Message{}, fmt.Errorf("kafka next: %w", errors.Join(berr.ErrSubscriptionClosed, err))
			}

			return cbus.Message{}, wrapErr("next", err)
		}

		s.pending = recs
	}

	r := s.pending[0]
	s.pending = s.pending[1:]

	return cbus.Message{Subject: r.Topic, Data: r.Value, Headers: r.Headers}, nil
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.reader.Close)

	return nil
}

// wrapErr keeps context errors intact and tags a closed client with ErrNotConnected.
func wrapErr(label string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, kgo.ErrClientClosed):
		return fmt.Errorf("kafka %s: %w", label, errors.Join(berr.ErrNotConnected, err))
	default:
		return fmt.Errorf("kafka %s: %w", label, errors.Join(berr.ErrOperationFailed, err))
	}
}
