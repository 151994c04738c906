package bus

import (
	"context"
	"errors"
	"time"
)

// Transport errors. All transport failures wrap one of these so the agent
// runtime can tell a broken bus (restart the agent) from everything else.
var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrClosed       = errors.New("bus: transport closed")
)

// Transport is a connection to a named-channel pub/sub broker.
//
// Delivery is at-most-once and fire-and-forget: the bus is not a durable
// log, subscribers only receive messages published after Subscribe
// completes, and every subscriber on a channel receives every message
// (fan-out, not queue). Ordering holds per channel only, as provided by the
// broker.
type Transport interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Subscribe adds exact-match channel subscriptions.
	Subscribe(ctx context.Context, channels ...Channel) error

	// Unsubscribe drops all subscriptions.
	Unsubscribe(ctx context.Context) error

	// Publish sends an envelope on a channel.
	Publish(ctx context.Context, channel Channel, env *Envelope) error

	// NextMessage returns the next received envelope, or (nil, nil) once
	// timeout elapses with nothing pending. It never blocks past timeout,
	// supporting a cooperative poll loop.
	NextMessage(ctx context.Context, timeout time.Duration) (*Envelope, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
