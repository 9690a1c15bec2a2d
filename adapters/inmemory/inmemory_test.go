package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

func dial(t *testing.T, b *inmemory.Broker, opts cbus.DialOptions) cbus.Conn {
	t.Helper()

	c, err := b.Dial(t.Context(), "mem://1", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	return c
}

func TestInmemory_PublishSubscribe_Recordings(t *testing.T) {
	b := inmemory.New()
	pub := dial(t, b, cbus.DialOptions{})
	subConn := dial(t, b, cbus.DialOptions{})

	sub, err := subConn.Subscribe(t.Context(), "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish(t.Context(), "orders", []byte("1"), map[string]string{"h": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := pub.Publish(t.Context(), "other", []byte("2"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	m, err := sub.Next(t.Context())
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if m.Subject != "orders" || string(m.Data) != "1" || m.Header("h") != "v" {
		t.Fatalf("unexpected message %+v", m)
	}

	if n := len(b.Published()); n != 2 {
		t.Fatalf("want 2 published, got %d", n)
	}

	if n := b.Dials(); n != 2 {
		t.Fatalf("want 2 dials, got %d", n)
	}
}

func TestInmemory_FaultHooks(t *testing.T) {
	b := inmemory.New()
	b.DialHook = func(n int) error {
		if n == 1 {
			return errors.New("refused")
		}

		return nil
	}

	if _, err := b.Dial(t.Context(), "mem://1", cbus.DialOptions{}); err == nil {
		t.Fatalf("expected first dial to fail")
	}

	c := dial(t, b, cbus.DialOptions{})

	b.PublishHook = func(n int, _ cbus.Message) error {
		if n == 1 {
			return errors.New("transient")
		}

		return nil
	}

	if err := c.Publish(t.Context(), "s", nil, nil); err == nil {
		t.Fatalf("expected first publish to fail")
	}

	if err := c.Publish(t.Context(), "s", nil, nil); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if b.PublishAttempts() != 2 || len(b.Published()) != 1 {
		t.Fatalf("attempts=%d published=%d", b.PublishAttempts(), len(b.Published()))
	}
}

func TestInmemory_CloseEndsSubscriptions(t *testing.T) {
	b := inmemory.New()
	c := dial(t, b, cbus.DialOptions{})

	sub, err := c.Subscribe(t.Context(), "s")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Deliver(t.Context(), "s", []byte("last"), nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// queued message is still handed out before the end of stream
	if m, err := sub.Next(t.Context()); err != nil || string(m.Data) != "last" {
		t.Fatalf("want queued message, got %v %v", m, err)
	}

	if _, err := sub.Next(t.Context()); !errors.Is(err, berr.ErrSubscriptionClosed) {
		t.Fatalf("want ErrSubscriptionClosed, got %v", err)
	}

	if err := c.Publish(t.Context(), "s", nil, nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}

	if err := c.Close(); err == nil {
		t.Fatalf("second close must fail")
	}

	if b.OpenConns() != 0 {
		t.Fatalf("open conns=%d", b.OpenConns())
	}
}

func TestInmemory_DisconnectNotifies(t *testing.T) {
	b := inmemory.New()

	var lost sync.WaitGroup
	lost.Add(1)

	c := dial(t, b, cbus.DialOptions{OnDisconnect: func(error) { lost.Done() }})

	b.Disconnect()
	lost.Wait()

	if err := c.Publish(t.Context(), "s", nil, nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestInmemory_NextHonoursContext(t *testing.T) {
	b := inmemory.New()
	c := dial(t, b, cbus.DialOptions{})

	sub, err := c.Subscribe(t.Context(), "s")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestInmemory_ConcurrentSafety(t *testing.T) {
	b := inmemory.New()
	c := dial(t, b, cbus.DialOptions{})

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = c.Publish(context.Background(), "s", []byte("x"), nil)
		}()
	}

	wg.Wait()

	if n := len(b.Published()); n != 50 {
		t.Fatalf("want 50, got %d", n)
	}
}
