// Package deadletter receives envelopes that exhausted their publish attempts.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list used when none is configured.
const DefaultKey = "eventbus:deadletter"

// Letter is one undeliverable envelope.
type Letter struct {
	Subject   string            `json:"subject"`
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	Attempts  int               `json:"attempts"`
	Reason    string            `json:"reason"`
	FailedAt  time.Time         `json:"failed_at"`
}

// Sink stores dead letters. Implementations must be safe for concurrent use.
type Sink interface {
	Put(ctx context.Context, l Letter) error
}

// LogSink writes dead letters to a logger at error level. It never fails.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink; a nil logger discards output.
func NewLogSink(l *slog.Logger) LogSink {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return LogSink{Logger: l}
}

func (s LogSink) Put(ctx context.Context, l Letter) error {
	s.Logger.ErrorContext(ctx, "dead letter",
		"subject", l.Subject,
		"event_id", l.EventID,
		"event_type", l.EventType,
		"attempts", l.Attempts,
		"reason", l.Reason,
		"bytes", len(l.Body),
	)

	return nil
}

// RedisSink pushes dead letters onto a capped Redis list, newest first.
type RedisSink struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

// NewRedisSink creates a sink on key; maxLen <= 0 keeps the list unbounded.
func NewRedisSink(client redis.Cmdable, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = DefaultKey
	}

	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisSink) Put(ctx context.Context, l Letter) error {
	b, err := json.Marshal(l)
	if err != nil {
		return &berr.SerdeError{Cause: fmt.Errorf("encode dead letter %s: %w", l.EventID, err)}
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, b)

		if s.maxLen > 0 {
			p.LTrim(ctx, s.key, 0, s.maxLen-1)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("redis dead letter %s: %w", s.key, err)
	}

	return nil
}

// List returns up to n letters, newest first.
func (s *RedisSink) List(ctx context.Context, n int64) ([]Letter, error) {
	if n <= 0 {
		return nil, nil
	}

	raw, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dead letter %s: %w", s.key, err)
	}

	out := make([]Letter, 0, len(raw))

	for _, r := range raw {
		var l Letter
		if err := json.Unmarshal([]byte(r), &l); err != nil {
			return nil, &berr.SerdeError{Cause: fmt.Errorf("decode dead letter: %w", err)}
		}

		out = append(out, l)
	}

	return out, nil
}

// Multi fans a letter out to several sinks and reports the first failure.
type Multi []Sink

func (m Multi) Put(ctx context.Context, l Letter) error {
	var first error

	for _, s := range m {
		if err := s.Put(ctx, l); err != nil && first == nil {
			first = err
		}
	}

	return first
}
