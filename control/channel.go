// Package control talks to the node's UI gateway: a websocket endpoint the
// node serves while it is up. The supervisor uses it to ask the node to shut
// itself down and to confirm start and stop transitions.
package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultURL          = "ws://127.0.0.1:5333/"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDialTimeout  = 2 * time.Second
)

// OpcodeShutdown asks the node to exit.
const OpcodeShutdown = "shutdown"

// Message is a frame sent to the gateway.
type Message struct {
	Opcode string `json:"opcode"`
}

// ProbeFunc reports whether the gateway is reachable right now.
type ProbeFunc func(ctx context.Context) bool

// Config configures a Channel.
type Config struct {
	URL          string
	Subprotocol  string
	PollInterval time.Duration
	DialTimeout  time.Duration
}

// Channel is a client session with the node's gateway.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clockwork.Clock
	logger *zap.SugaredLogger
	probe  ProbeFunc

	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes frames on conn.
	writeMu sync.Mutex
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock sets the clock used for confirmation polling.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithProbe replaces the reachability check used by VerifyUp and VerifyDown.
func WithProbe(probe ProbeFunc) Option {
	return func(c *Channel) { c.probe = probe }
}

// New creates a Channel. Nothing is dialed until Connect.
func New(cfg Config, opts ...Option) *Channel {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	c := &Channel{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop().Sugar(),
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	if cfg.Subprotocol != "" {
		c.dialer.Subprotocols = []string{cfg.Subprotocol}
	}
	c.probe = c.dialProbe

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("control")
	return c
}

// URL returns the gateway address.
func (c *Channel) URL() string {
	return c.cfg.URL
}

// Connect establishes a session unless one is already open.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dialing control channel %s", c.cfg.URL)
	}
	c.conn = conn
	go c.readLoop(conn)

	c.logger.Debugw("control channel connected", "url", c.cfg.URL)
	return nil
}

// readLoop consumes inbound frames until the session ends, then marks the
// channel disconnected.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.logger.Debugw("control channel disconnected", "url", c.cfg.URL)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// IsConnected reports whether a session is open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Shutdown asks the node to exit. It does not wait for the frame to be
// written and does nothing when no session is open.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
		if err := conn.WriteJSON(Message{Opcode: OpcodeShutdown}); err != nil {
			c.logger.Debugw("sending shutdown failed", "error", err)
		}
	}()
}

// VerifyUp polls the gateway until it is reachable. It returns false once
// timeout has elapsed or ctx ends, and never later than that.
func (c *Channel) VerifyUp(ctx context.Context, timeout time.Duration) bool {
	return c.poll(ctx, timeout, true)
}

// VerifyDown polls the gateway until it is unreachable, with the same bound
// as VerifyUp.
func (c *Channel) VerifyDown(ctx context.Context, timeout time.Duration) bool {
	return c.poll(ctx, timeout, false)
}

func (c *Channel) poll(ctx context.Context, timeout time.Duration, wantUp bool) bool {
	start := c.clock.Now()
	for {
		remaining := timeout - c.clock.Since(start)
		if remaining <= 0 {
			return false
		}

		probeCtx, cancel := context.WithTimeout(ctx, min(c.cfg.DialTimeout, remaining))
		up := c.probe(probeCtx)
		cancel()
		if up == wantUp {
			return true
		}

		remaining = timeout - c.clock.Since(start)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(min(c.cfg.PollInterval, remaining)):
		}
	}
}

// dialProbe completes a websocket handshake and closes it again.
func (c *Channel) dialProbe(ctx context.Context) bool {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
	return true
}

// Close ends the session.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
