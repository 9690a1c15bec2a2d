package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeSession struct {
	mu       sync.Mutex
	calls    []rabbitmq.PubMsg
	err      error
	notify   chan *amqp.Error
	consumer *fakeConsumer
	closed   atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{notify: make(chan *amqp.Error, 1)}
}

func (f *fakeSession) Publish(_ context.Context, m rabbitmq.PubMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, m)

	return f.err
}

func (f *fakeSession) Calls() []rabbitmq.PubMsg {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]rabbitmq.PubMsg(nil), f.calls...)
}

func (f *fakeSession) Consume(string) (rabbitmq.Consumer, error) {
	if f.consumer == nil {
		return nil, errors.New("access refused")
	}

	return f.consumer, nil
}

func (f *fakeSession) NotifyClose() <-chan *amqp.Error { return f.notify }

func (f *fakeSession) Close() error {
	f.closed.Add(1)

	return nil
}

// drop simulates the broker closing the connection.
func (f *fakeSession) drop() {
	f.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
}

type fakeConsumer struct {
	ch       chan amqp.Delivery
	canceled atomic.Bool
}

func (c *fakeConsumer) Deliveries() <-chan amqp.Delivery { return c.ch }

func (c *fakeConsumer) Cancel() error {
	c.canceled.Store(true)

	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}

		time.Sleep(time.Millisecond)
	}
}

// sessions hands out the given sessions in order, then fails.
func sessions(list ...*fakeSession) (rabbitmq.SessionDialer, *atomic.Int32) {
	var n atomic.Int32

	return func(context.Context) (rabbitmq.Session, error) {
		i := int(n.Add(1)) - 1
		if i >= len(list) {
			return nil, errors.New("connection refused")
		}

		return list[i], nil
	}, &n
}

func TestConn_PublishUsesIntegrationExchange(t *testing.T) {
	s := newFakeSession()
	dial, _ := sessions(s)

	c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{}, time.Millisecond)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	defer c.Close()

	if err := c.Publish(t.Context(), "service.auth", []byte("{}"), map[string]string{"traceparent": "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls=%d", len(calls))
	}

	if calls[0].Exchange != "integration" || calls[0].RoutingKey != "service.auth" || calls[0].Headers["traceparent"] != "x" {
		t.Fatalf("call=%+v", calls[0])
	}
}

func TestConn_PublishErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"closed", amqp.ErrClosed, berr.ErrNotConnected},
		{"other", errors.New("nack"), berr.ErrOperationFailed},
		{"canceled", context.Canceled, context.Canceled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeSession()
			s.err = tc.err
			dial, _ := sessions(s)

			c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{}, time.Millisecond)
			if err != nil {
				t.Fatalf("new conn: %v", err)
			}
			defer c.Close()

			if err := c.Publish(t.Context(), "s", nil, nil); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestConn_FirstDialFailureIsReturned(t *testing.T) {
	dial, _ := sessions()

	if _, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{}, time.Millisecond); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeSession(), newFakeSession()
	dial, dials := sessions(first, second)

	var disconnects atomic.Int32

	c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{
		OnDisconnect: func(error) { disconnects.Add(1) },
	}, time.Millisecond)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	defer c.Close()

	first.drop()
	waitFor(t, func() bool { return dials.Load() == 2 })

	if err := c.Publish(t.Context(), "s", []byte("x"), nil); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}

	if len(second.Calls()) != 1 || len(first.Calls()) != 0 {
		t.Fatalf("publish went to the wrong session")
	}

	if dials.Load() != 2 || disconnects.Load() != 1 || first.closed.Load() != 1 {
		t.Fatalf("dials=%d disconnects=%d first closed=%d", dials.Load(), disconnects.Load(), first.closed.Load())
	}
}

func TestConn_ExhaustedReconnectsReportNotConnected(t *testing.T) {
	s := newFakeSession()
	dial, dials := sessions(s)
	limit := 2

	c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{MaxReconnects: &limit}, time.Millisecond)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	defer c.Close()

	s.drop()
	waitFor(t, func() bool { return dials.Load() == 3 })

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	if err := c.Publish(ctx, "s", nil, nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestConn_CloseTwice(t *testing.T) {
	s := newFakeSession()
	dial, _ := sessions(s)

	c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{}, time.Millisecond)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := c.Close(); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("second close: %v", err)
	}

	if s.closed.Load() != 1 {
		t.Fatalf("session closed %d times", s.closed.Load())
	}

	if err := c.Publish(t.Context(), "s", nil, nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestSubscription_DeliversThenEnds(t *testing.T) {
	s := newFakeSession()
	s.consumer = &fakeConsumer{ch: make(chan amqp.Delivery, 1)}
	dial, _ := sessions(s)

	c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{}, time.Millisecond)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	defer c.Close()

	sub, err := c.Subscribe(t.Context(), "service.auth")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s.consumer.ch <- amqp.Delivery{RoutingKey: "service.auth", Body: []byte("hi"), Headers: amqp.Table{"traceparent": "tp", "n": int32(3)}}

	msg, err := sub.Next(t.Context())
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if msg.Subject != "service.auth" || string(msg.Data) != "hi" || msg.Header("traceparent") != "tp" || msg.Header("n") != "3" {
		t.Fatalf("message=%+v", msg)
	}

	close(s.consumer.ch)

	if _, err := sub.Next(t.Context()); !errors.Is(err, berr.ErrSubscriptionClosed) {
		t.Fatalf("want ErrSubscriptionClosed, got %v", err)
	}

	if err := sub.Unsubscribe(); err != nil || !s.consumer.canceled.Load() {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestConn_SubscribeFailure(t *testing.T) {
	s := newFakeSession()
	dial, _ := sessions(s)

	c, err := rabbitmq.NewConn(t.Context(), dial, cbus.DialOptions{}, time.Millisecond)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	defer c.Close()

	if _, err := c.Subscribe(t.Context(), "s"); !errors.Is(err, berr.ErrOperationFailed) {
		t.Fatalf("want ErrOperationFailed, got %v", err)
	}
}
