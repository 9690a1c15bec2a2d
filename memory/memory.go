package memory

import (
	"time"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/connection"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Address is the placeholder address the in-memory broker records.
const Address = "inmemory://local"

// New constructs a service bus backed by a fresh in-memory broker and returns it with the
// broker, for fault injection, and a cleanup function that closes the bus.
func New(opts ...servicebus.BusOption) (*servicebus.Bus, *inmemory.Broker, func()) {
	br := inmemory.New()
	timeout := time.Second
	sb := servicebus.New(br, connection.ClientSettings{Addresses: []string{Address}, RetryTimeout: &timeout}, nil, opts...)
	cleanup := func() { _ = sb.Close() }

	return sb, br, cleanup
}
