// ws.go implements the Transport over a WebSocket pub/sub broker.
//
// The transport keeps one connection per agent. On connect it announces its
// subscriptions; a background read loop pushes incoming envelopes into the
// inbox consumed by NextMessage. Disconnects trigger automatic reconnection
// with exponential backoff (1s doubling up to 30s) and a full re-subscribe. A read
// deadline ensures silent broker failures are detected within ~2 missed
// pings.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 50 * time.Second // keep-alive cadence
	wsReadTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout = 10 * time.Second // deadline for outgoing frames
	wsMaxBackoff   = 30 * time.Second // cap on reconnect backoff
	wsFirstBackoff = time.Second
)

// wsFrame is the broker wire format. Op is one of subscribe, unsubscribe,
// publish (client to broker) or message (broker to client).
type wsFrame struct {
	Op       string          `json:"op"`
	Channels []Channel       `json:"channels,omitempty"`
	Channel  Channel         `json:"channel,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// WSTransport is a Transport over a WebSocket broker connection.
type WSTransport struct {
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[Channel]bool

	inbox  chan *Envelope
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport creates a transport for the broker at url. Call Connect
// before any other method.
func NewWSTransport(url string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		url:        url,
		logger:     logger.With("component", "wsbus"),
		subscribed: make(map[Channel]bool),
		inbox:      make(chan *Envelope, inboxSize),
		done:       make(chan struct{}),
	}
}

// Connect dials the broker and starts the read loop. The read loop owns
// reconnection; Connect fails only if the first dial fails.
func (t *WSTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, t.url, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.readLoop(runCtx)
	return nil
}

// Subscribe announces channel subscriptions to the broker and records them
// for re-subscribe after reconnects.
func (t *WSTransport) Subscribe(ctx context.Context, channels ...Channel) error {
	for _, ch := range channels {
		if !ch.Valid() {
			return fmt.Errorf("subscribe: unknown channel %q", ch)
		}
	}

	t.subscribedMu.Lock()
	for _, ch := range channels {
		t.subscribed[ch] = true
	}
	t.subscribedMu.Unlock()

	return t.writeFrame(wsFrame{Op: "subscribe", Channels: channels})
}

// Unsubscribe drops every subscription.
func (t *WSTransport) Unsubscribe(ctx context.Context) error {
	t.subscribedMu.Lock()
	channels := make([]Channel, 0, len(t.subscribed))
	for ch := range t.subscribed {
		channels = append(channels, ch)
	}
	t.subscribed = make(map[Channel]bool)
	t.subscribedMu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	return t.writeFrame(wsFrame{Op: "unsubscribe", Channels: channels})
}

// Publish sends an envelope to the broker for fan-out.
func (t *WSTransport) Publish(ctx context.Context, channel Channel, env *Envelope) error {
	if !channel.Valid() {
		return fmt.Errorf("publish: unknown channel %q", channel)
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return t.writeFrame(wsFrame{Op: "publish", Channel: channel, Data: data})
}

// NextMessage returns the next received envelope, or (nil, nil) after
// timeout.
func (t *WSTransport) NextMessage(ctx context.Context, timeout time.Duration) (*Envelope, error) {
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

// Close stops the read loop and closes the connection.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
		t.connMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
			t.conn = nil
		}
		t.connMu.Unlock()
	})
	return err
}

// readLoop reads frames until Close, reconnecting on failure.
func (t *WSTransport) readLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = wsFirstBackoff
	bo.MaxInterval = wsMaxBackoff

	for {
		err := t.readUntilError(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		t.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := t.reconnect(ctx); err != nil {
			t.logger.Warn("reconnect failed", "error", err)
			continue
		}
		bo.Reset()
	}
}

func (t *WSTransport) reconnect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.connMu.Unlock()

	// Re-announce subscriptions on the fresh connection.
	t.subscribedMu.RLock()
	channels := make([]Channel, 0, len(t.subscribed))
	for ch := range t.subscribed {
		channels = append(channels, ch)
	}
	t.subscribedMu.RUnlock()

	if len(channels) > 0 {
		if err := t.writeFrame(wsFrame{Op: "subscribe", Channels: channels}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	t.logger.Info("websocket reconnected", "channels", len(channels))
	return nil
}

func (t *WSTransport) readUntilError(ctx context.Context) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go t.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		t.dispatchFrame(msg)
	}
}

func (t *WSTransport) dispatchFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Debug("ignoring non-json frame")
		return
	}
	if frame.Op != "message" {
		t.logger.Debug("ignoring frame", "op", frame.Op)
		return
	}

	env, err := Decode(frame.Data)
	if err != nil {
		t.logger.Error("decode envelope", "error", err, "channel", frame.Channel)
		return
	}

	select {
	case t.inbox <- env:
	default:
		t.logger.Warn("inbox full, dropping envelope", "channel", env.Channel, "id", env.ID)
	}
}

func (t *WSTransport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.connMu.Lock()
			conn := t.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					t.logger.Warn("ping failed", "error", err)
					t.connMu.Unlock()
					return
				}
			}
			t.connMu.Unlock()
		}
	}
}

func (t *WSTransport) writeFrame(frame wsFrame) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrNotConnected, frame.Op, err)
	}
	return nil
}
