// Package sigclient is the agent's connection to the signaling relay. It
// reconnects after unexpected closes and hands decoded messages to a single
// consumer.
package sigclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
)

const (
	DefaultReconnectDelay = 1500 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
	DefaultInboundQueue   = 64

	writeWait = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrClosed       = errors.New("signaling client closed")
)

type Config struct {
	// URL is the full relay URL including the id query parameter.
	URL string

	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	InboundQueue   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// After replaces time.After for the reconnect delay.
	After func(time.Duration) <-chan time.Time
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
	after  func(time.Duration) <-chan time.Time

	inbound chan signaling.Message

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = DefaultInboundQueue
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Client{
		cfg: cfg,
		log: log.With("component", "signaling_client"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		after:   after,
		inbound: make(chan signaling.Message, cfg.InboundQueue),
		closed:  make(chan struct{}),
	}
}

// Messages delivers decoded relay messages in arrival order.
func (c *Client) Messages() <-chan signaling.Message { return c.inbound }

func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and keeps reconnecting until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.closing.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closing.Load() {
				continue
			}
			c.cfg.Metrics.Inc(metrics.SignalingDialFailures)
			c.log.Warn("signaling connect failed", "err", err, "retry_in", c.cfg.ReconnectDelay)
		} else {
			c.serve(ctx, conn)
			if c.closing.Load() {
				return ErrClosed
			}
			if ctx.Err() != nil {
				continue
			}
			c.log.Warn("signaling connection lost", "retry_in", c.cfg.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-c.after(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve owns conn until it fails, ctx is done or the client is closed.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.writeMu.Lock()
	if c.closing.Load() {
		c.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.connected.Store(true)
	c.writeMu.Unlock()

	c.cfg.Metrics.Inc(metrics.SignalingConnects)
	c.log.Info("signaling connected", "url", c.cfg.URL)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.writeMu.Lock()
		c.connected.Store(false)
		if c.conn == conn {
			c.conn = nil
		}
		c.writeMu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.log.Info("signaling closed by relay", "code", ce.Code, "reason", ce.Text)
			} else if !c.closing.Load() && ctx.Err() == nil {
				c.log.Warn("signaling read failed", "err", err)
			}
			return
		}
		msg, err := signaling.DecodeMessage(data)
		if err != nil {
			c.log.Warn("dropping invalid relay message", "err", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// Send writes msg to the relay.
func (c *Client) Send(msg signaling.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil || c.closing.Load() {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close stops reconnecting and closes the current connection with a normal
// close frame.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.closed)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if c.conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(signaling.CloseNormal, "Shutdown")
		err = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
	return err
}
