// Package client talks to the supervisor daemon over its Unix socket.
//
// # Shared Connection
//
// A single Conn is created at startup and shared by every consumer. The
// connection is established lazily and re-established after a failure, so
// a dropped socket only costs the request that observed it.
//
// # Request Builder
//
// Besides the typed helpers (Node, Status, Info, Ping) Conn exposes a
// request builder for commands registered by the daemon at runtime:
//
//	st, err := conn.Request("NODE", "STATUS").String(ctx)
//	err := conn.Request("SHUTDOWN").OK(ctx)
//
// # Subscriptions
//
// SUBSCRIBE turns a connection into a push stream, so Subscribe dials a
// dedicated connection and leaves the shared one free for requests.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/socket"
	"github.com/topoface/node-supervisor/status"
)

var (
	// ErrConnectionClosed is returned when operating on a closed Conn.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrServerError matches every ERR response from the daemon.
	ErrServerError = errors.New("daemon error")
)

// ServerError is an ERR response from the daemon.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return "daemon error [" + e.Code + "] " + e.Message
}

// Is makes every ServerError match ErrServerError.
func (e *ServerError) Is(target error) bool {
	return target == ErrServerError
}

// Conn is a shared, reusable connection to the daemon. Requests are
// serialized; the protocol is request-response and not pipelined.
type Conn struct {
	socketPath string
	timeout    time.Duration

	mu     sync.Mutex
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer
	closed bool
}

// Option configures a Conn.
type Option func(*Conn)

// WithSocketPath sets the socket path for the connection.
func WithSocketPath(path string) Option {
	return func(c *Conn) {
		c.socketPath = path
	}
}

// WithTimeout sets the per-request timeout used when the caller's context
// carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

// NewConn creates a Conn. Nothing is dialed until the first request.
func NewConn(opts ...Option) *Conn {
	c := &Conn{
		socketPath: socket.DefaultSocketPath(socket.DefaultName),
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SocketPath returns the configured socket path.
func (c *Conn) SocketPath() string {
	return c.socketPath
}

// EnsureConnected dials the daemon unless already connected.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

func (c *Conn) ensureConnectedLocked(ctx context.Context) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if c.conn != nil {
		return nil
	}

	conn, err := socket.ConnectContext(ctx, c.socketPath)
	if err != nil {
		return err
	}
	c.conn = conn
	c.parser = protocol.NewParser(conn)
	c.writer = protocol.NewWriter(conn)
	return nil
}

// IsConnected reports whether a connection is currently established.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close closes the connection permanently.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.dropLocked()
}

// Disconnect closes the current connection but allows reconnection.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Conn) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.parser = nil
	c.writer = nil
	return err
}

// deadline picks the context deadline or falls back to the default timeout.
func (c *Conn) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if c.timeout > 0 {
		return time.Now().Add(c.timeout)
	}
	return time.Time{}
}

// execute sends one command and reads one response.
func (c *Conn) execute(ctx context.Context, verb, subVerb string, args []string, data []byte) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}
	conn := c.conn
	_ = conn.SetDeadline(c.deadline(ctx))

	// A canceled context unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := c.writer.WriteCommand(verb, subVerb, args, data); err != nil {
		_ = c.dropLocked()
		return nil, c.contextError(ctx, errors.Wrap(err, "sending command"))
	}
	resp, err := c.parser.ParseResponse()
	if err != nil {
		_ = c.dropLocked()
		return nil, c.contextError(ctx, errors.Wrap(err, "reading response"))
	}
	if resp.Type == protocol.ResponseErr {
		return resp, &ServerError{Code: resp.Code, Message: resp.Message}
	}
	return resp, nil
}

func (c *Conn) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Ping checks that the daemon answers.
func (c *Conn) Ping(ctx context.Context) error {
	resp, err := c.execute(ctx, protocol.VerbPing, "", nil, nil)
	if err != nil {
		return err
	}
	if resp.Type != protocol.ResponsePong {
		return errors.Errorf("expected PONG, got %s", resp.Type)
	}
	return nil
}

// Info is the daemon's INFO response.
type Info struct {
	Version     string        `json:"version"`
	Uptime      time.Duration `json:"uptime"`
	ClientCount int64         `json:"client_count"`
	Subscribers int           `json:"subscribers"`
	Status      string        `json:"status"`
}

// Info fetches daemon information.
func (c *Conn) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.Request(protocol.VerbInfo).JSONInto(ctx, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Node asks the daemon to move the node to target and returns the status the
// node ended up in. A status that differs from target means the intent hit
// errors, which subscribers see as notifications.
func (c *Conn) Node(ctx context.Context, target status.Status) (status.Status, error) {
	var action string
	switch target {
	case status.Off:
		action = protocol.SubVerbOff
	case status.Serving:
		action = protocol.SubVerbServing
	case status.Consuming:
		action = protocol.SubVerbConsuming
	default:
		return status.Invalid, errors.Errorf("cannot request status %q", target)
	}
	msg, err := c.Request(protocol.VerbNode, action).String(ctx)
	if err != nil {
		return status.Invalid, err
	}
	return status.Parse(msg)
}

// Status returns the node status as the daemon currently determines it.
func (c *Conn) Status(ctx context.Context) (status.Status, error) {
	msg, err := c.Request(protocol.VerbNode, protocol.SubVerbStatus).String(ctx)
	if err != nil {
		return status.Invalid, err
	}
	return status.Parse(msg)
}

// Shutdown asks the daemon to tear the node down and exit.
func (c *Conn) Shutdown(ctx context.Context) error {
	return c.Request(protocol.VerbShutdown).OK(ctx)
}

// Subscribe streams pushes to fn until ctx is done or the daemon goes away.
// The first push is always the current status. It returns nil when the
// daemon closes the stream and ctx.Err() when the caller stops it.
func (c *Conn) Subscribe(ctx context.Context, fn func(protocol.Push)) error {
	conn, err := socket.ConnectContext(ctx, c.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	parser := protocol.NewParser(conn)
	if err := protocol.NewWriter(conn).WriteCommand(protocol.VerbSubscribe, "", nil, nil); err != nil {
		return c.contextError(ctx, errors.Wrap(err, "sending SUBSCRIBE"))
	}
	resp, err := parser.ParseResponse()
	if err != nil {
		return c.contextError(ctx, errors.Wrap(err, "reading SUBSCRIBE reply"))
	}
	if resp.Type == protocol.ResponseErr {
		return &ServerError{Code: resp.Code, Message: resp.Message}
	}

	for {
		resp, err := parser.ParseResponse()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err == io.EOF || errors.Is(err, protocol.ErrTruncated) || socket.IsClosedError(err) {
				return nil
			}
			return errors.Wrap(err, "reading push")
		}
		if resp.Type != protocol.ResponseJSON {
			continue
		}
		var push protocol.Push
		if err := json.Unmarshal(resp.Data, &push); err != nil {
			continue
		}
		fn(push)
	}
}

// Request creates a request builder for verb. A first argument that is a
// registered sub-verb is sent as the sub-verb.
//
//	conn.Request("NODE", "SERVING")
func (c *Conn) Request(verb string, args ...string) *RequestBuilder {
	r := &RequestBuilder{conn: c, verb: verb}
	if len(args) > 0 && protocol.DefaultRegistry.IsSubVerb(args[0]) {
		r.subVerb = args[0]
		args = args[1:]
	}
	r.args = args
	return r
}

// RequestBuilder builds and executes requests to the daemon.
type RequestBuilder struct {
	conn    *Conn
	verb    string
	subVerb string
	args    []string
	data    []byte
	err     error
}

// WithArgs appends additional arguments to the request.
func (r *RequestBuilder) WithArgs(args ...string) *RequestBuilder {
	r.args = append(r.args, args...)
	return r
}

// WithData sets the request payload.
func (r *RequestBuilder) WithData(data []byte) *RequestBuilder {
	r.data = data
	return r
}

// WithJSON marshals v as the request payload. A marshal error surfaces when
// the request executes.
func (r *RequestBuilder) WithJSON(v any) *RequestBuilder {
	r.data, r.err = json.Marshal(v)
	return r
}

func (r *RequestBuilder) do(ctx context.Context) (*protocol.Response, error) {
	if r.err != nil {
		return nil, errors.Wrap(r.err, "encoding request")
	}
	return r.conn.execute(ctx, r.verb, r.subVerb, r.args, r.data)
}

// OK executes the request, expecting OK or ERR.
func (r *RequestBuilder) OK(ctx context.Context) error {
	_, err := r.do(ctx)
	return err
}

// String executes the request and returns the OK message.
func (r *RequestBuilder) String(ctx context.Context) (string, error) {
	resp, err := r.do(ctx)
	if err != nil {
		return "", err
	}
	if resp.Type != protocol.ResponseOK {
		return "", errors.Errorf("expected OK response, got %s", resp.Type)
	}
	return resp.Message, nil
}

// JSONInto executes the request and unmarshals the JSON response into v.
func (r *RequestBuilder) JSONInto(ctx context.Context, v any) error {
	resp, err := r.do(ctx)
	if err != nil {
		return err
	}
	if resp.Type != protocol.ResponseJSON {
		return errors.Errorf("expected JSON response, got %s", resp.Type)
	}
	return errors.Wrap(json.Unmarshal(resp.Data, v), "decoding response")
}
