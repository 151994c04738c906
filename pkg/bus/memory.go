// memory.go implements the in-process broker and its transport.
//
// The broker fans every published envelope out to all transports subscribed
// to the channel at publish time. Each transport owns a buffered inbox; when
// an inbox is full the oldest pending envelope is dropped so slow consumers
// lose data instead of stalling publishers (at-most-once, fire-and-forget).
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

const (
	inboxSize     = 256 // per-transport pending envelope buffer
	fanoutWorkers = 4   // concurrent deliveries per publish
)

// Broker is a process-local named-channel pub/sub broker.
type Broker struct {
	mu     sync.RWMutex
	subs   map[Channel]map[*MemTransport]struct{}
	closed bool
	logger *slog.Logger
}

// NewBroker creates an empty in-memory broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[Channel]map[*MemTransport]struct{}),
		logger: logger.With("component", "membus"),
	}
}

// NewTransport returns a fresh, not-yet-connected transport bound to this
// broker. Each agent gets its own transport (connections are not shared).
func (b *Broker) NewTransport() *MemTransport {
	return &MemTransport{
		broker: b,
		inbox:  make(chan *Envelope, inboxSize),
		done:   make(chan struct{}),
	}
}

// Close drops all subscriptions and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Channel]map[*MemTransport]struct{})
}

// publish fans env out to the channel's current subscribers.
func (b *Broker) publish(channel Channel, env *Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish %s: %w", channel, ErrClosed)
	}
	targets := make([]*MemTransport, 0, len(b.subs[channel]))
	for t := range b.subs[channel] {
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	p := pool.New().WithMaxGoroutines(fanoutWorkers)
	for _, t := range targets {
		t := t
		p.Go(func() {
			t.deliver(env, b.logger)
		})
	}
	p.Wait()
	return nil
}

func (b *Broker) subscribe(t *MemTransport, channels []Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[*MemTransport]struct{})
		}
		b.subs[ch][t] = struct{}{}
	}
}

func (b *Broker) unsubscribe(t *MemTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, subs := range b.subs {
		delete(subs, t)
		if len(subs) == 0 {
			delete(b.subs, ch)
		}
	}
}

// MemTransport is a Transport backed by an in-process Broker.
type MemTransport struct {
	broker *Broker
	inbox  chan *Envelope

	mu        sync.Mutex
	connected bool
	closed    bool
	done      chan struct{}
}

var _ Transport = (*MemTransport)(nil)

// Connect marks the transport usable. The in-memory broker needs no dial.
func (t *MemTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

// Subscribe registers for the given channels. Messages published before
// this returns are not delivered.
func (t *MemTransport) Subscribe(ctx context.Context, channels ...Channel) error {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	for _, ch := range channels {
		if !ch.Valid() {
			return fmt.Errorf("subscribe: unknown channel %q", ch)
		}
	}
	t.broker.subscribe(t, channels)
	return nil
}

// Unsubscribe drops every subscription held by this transport.
func (t *MemTransport) Unsubscribe(ctx context.Context) error {
	t.broker.unsubscribe(t)
	return nil
}

// Publish sends env on channel to all current subscribers.
func (t *MemTransport) Publish(ctx context.Context, channel Channel, env *Envelope) error {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	if !channel.Valid() {
		return fmt.Errorf("publish: unknown channel %q", channel)
	}
	return t.broker.publish(channel, env)
}

// NextMessage returns the next pending envelope, or (nil, nil) after
// timeout with nothing received.
func (t *MemTransport) NextMessage(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	case env := <-t.inbox:
		return env, nil
	case <-timer.C:
		return nil, nil
	}
}

// Close unsubscribes and releases the transport.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.done)
	t.mu.Unlock()

	t.broker.unsubscribe(t)
	return nil
}

// deliver enqueues env, dropping the oldest pending envelope when the inbox
// is full.
func (t *MemTransport) deliver(env *Envelope, logger *slog.Logger) {
	select {
	case <-t.done:
		return
	default:
	}

	select {
	case t.inbox <- env:
	default:
		select {
		case dropped := <-t.inbox:
			logger.Warn("inbox full, dropped oldest envelope",
				"channel", dropped.Channel, "id", dropped.ID)
		default:
		}
		select {
		case t.inbox <- env:
		default:
		}
	}
}
