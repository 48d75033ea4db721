package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/metrics"
)

const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultPingInterval      = 30 * time.Second
	writeWait                = 5 * time.Second
)

var (
	// ErrClosed is returned when the server side ends a connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrRunning is returned by Run when the client is already connected or
	// connecting.
	ErrRunning = errors.New("transport: already running")
)

// Sink receives every decoded batch.
type Sink func(engine.Batch) error

// Client follows a websocket log server and reconnects with a fixed backoff.
// The first message requested on every connection is the full verbatim log,
// so each reconnect replays the server history in replace mode.
type Client struct {
	URL               string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	Dialer            *websocket.Dialer

	running   atomic.Bool
	connected atomic.Bool
}

// New returns a Client for url with default intervals.
func New(url string) *Client {
	return &Client{URL: url}
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and forwards batches to sink until ctx is cancelled.
// Engine state is not touched on disconnect.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	interval := c.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	for {
		err := c.connect(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("transport: disconnected", "url", c.URL, "error", err, "retry_in", interval)
		metrics.IncTransportReconnects()

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) connect(ctx context.Context, sink Sink) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	defer conn.Close()

	c.connected.Store(true)
	defer c.connected.Store(false)
	slog.Info("transport: connected", "url", c.URL)

	if err := conn.WriteJSON(map[string]string{"type": "get_verbatim_log"}); err != nil {
		return fmt.Errorf("request history: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		b, ok := env.Batch(time.Now())
		if !ok {
			continue
		}
		if err := sink(b); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("transport: batch not applied", "type", env.Type, "error", err)
		}
	}
}

// keepalive pings the server and closes conn when ctx ends so the read
// loop unblocks.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	interval := c.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("transport: ping failed", "error", err)
			}
		}
	}
}
