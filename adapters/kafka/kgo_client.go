package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Concrete franz-go based Client and Dialer.

// Dialer builds franz-go clients. Addresses are seed brokers.
type Dialer struct {
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	Compression kgo.CompressionCodec
	// Logger receives retriable fetch errors; nil uses slog.Default.
	Logger *slog.Logger
	// Extra options are appended last.
	Extra []kgo.Opt
}

var _ cbus.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addresses string, opts cbus.DialOptions) (cbus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var brokers []string

	for _, b := range strings.Split(addresses, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka dial: %w", errors.Join(berr.ErrInvalidConfig, errors.New("kafka brokers required")))
	}

	base := d.options(brokers, opts)

	cl, err := kgo.NewClient(base...)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", err)
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()

		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return New(&kgoClient{cl: cl, base: base, logger: logger}), nil
}

func (d Dialer) options(brokers []string, o cbus.DialOptions) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	if o.Name != "" {
		opts = append(opts, kgo.ClientID(o.Name))
	}

	if o.Timeout > 0 {
		opts = append(opts, kgo.DialTimeout(o.Timeout))
	}

	if o.MaxReconnects != nil && *o.MaxReconnects >= 0 {
		opts = append(opts, kgo.RequestRetries(*o.MaxReconnects))
	}

	if d.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(d.TLS))
	}

	if !d.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if d.Compression != (kgo.CompressionCodec{}) {
		opts = append(opts, kgo.ProducerBatchCompression(d.Compression))
	}

	if d.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(d.Acks))
	}

	if o.OnDisconnect != nil {
		opts = append(opts, kgo.WithHooks(connectHook{onFail: o.OnDisconnect}))
	}

	return append(opts, d.Extra...)
}

// connectHook reports broker dials that fail; franz-go reconnects on its own.
type connectHook struct {
	onFail func(error)
}

var _ kgo.HookBrokerConnect = connectHook{}

func (h connectHook) OnBrokerConnect(meta kgo.BrokerMetadata, _ time.Duration, _ net.Conn, err error) {
	if err != nil {
		h.onFail(fmt.Errorf("kafka broker %s:%d: %w", meta.Host, meta.Port, err))
	}
}

type kgoClient struct {
	cl     *kgo.Client
	base   []kgo.Opt
	logger *slog.Logger
}

func (c *kgoClient) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

// Reader opens a dedicated consumer client so producer and consumer settings stay apart.
func (c *kgoClient) Reader(topic string) (Reader, error) {
	opts := append(append([]kgo.Opt(nil), c.base...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &PollReader{
		Poller: cl,
		OnFetchError: func(topic string, partition int32, err error) {
			c.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "err", err)
		},
	}, nil
}

func (c *kgoClient) Close() { c.cl.Close() }

// Poller is the consumer surface of *kgo.Client.
type Poller interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// PollReader adapts a Poller into a Reader. Fetch errors are reported to OnFetchError
// and polling continues; franz-go retries them internally. Read only fails once the
// client is closed or ctx is done.
type PollReader struct {
	Poller       Poller
	OnFetchError func(topic string, partition int32, err error)
}

func (r *PollReader) Read(ctx context.Context) ([]Record, error) {
	for {
		fetches := r.Poller.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, kgo.ErrClientClosed
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if r.OnFetchError != nil {
				r.OnFetchError(topic, partition, err)
			}
		})

		var out []Record

		fetches.EachRecord(func(rec *kgo.Record) {
			out = append(out, toRecord(rec))
		})

		if len(out) > 0 {
			return out, nil
		}
	}
}

func (r *PollReader) Close() { r.Poller.Close() }

func toRecord(rec *kgo.Record) Record {
	out := Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value}

	if len(rec.Headers) > 0 {
		out.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			out.Headers[h.Key] = string(h.Value)
		}
	}

	return out
}
