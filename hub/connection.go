package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/socket"
)

// Connection handles a single client connection to the hub.
type Connection struct {
	id     int64
	conn   net.Conn
	hub    *Hub
	logger *zap.SugaredLogger

	parser *protocol.Parser
	writer *protocol.Writer

	mu     sync.Mutex
	closed bool
}

func newConnection(id int64, conn net.Conn, hub *Hub) *Connection {
	return &Connection{
		id:     id,
		conn:   conn,
		hub:    hub,
		logger: hub.logger.With("client", id),
		parser: protocol.NewParser(conn),
		writer: protocol.NewWriter(conn),
	}
}

// Handle processes commands from this connection until it closes.
func (c *Connection) Handle(ctx context.Context) {
	defer func() {
		c.Close()
		c.hub.removeClient(c.id)
		c.logger.Debugw("client disconnected")
	}()
	c.logger.Debugw("client connected")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.hub.config.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		}

		cmd, err := c.parser.ParseCommand()
		if err != nil {
			switch {
			case err == io.EOF, errors.Is(err, protocol.ErrTruncated), socket.IsClosedError(err):
				return
			case isTimeoutError(err):
				continue
			}
			// The parser has already consumed the bad frame.
			_ = c.WriteErr(protocol.ErrInvalidCommand, err.Error())
			continue
		}

		_ = c.handleCommand(ctx, cmd)
	}
}

func (c *Connection) handleCommand(ctx context.Context, cmd *protocol.Command) error {
	switch cmd.Verb {
	case protocol.VerbPing:
		return c.WritePong()
	case protocol.VerbInfo:
		return c.handleInfo(ctx)
	case protocol.VerbShutdown:
		return c.handleShutdown()
	}
	return c.hub.commands.Dispatch(ctx, c, cmd)
}

// Info is the INFO response body.
type Info struct {
	Version     string        `json:"version"`
	Uptime      time.Duration `json:"uptime"`
	ClientCount int64         `json:"client_count"`
	Subscribers int           `json:"subscribers"`
	Status      string        `json:"status"`
}

func (c *Connection) handleInfo(ctx context.Context) error {
	info := Info{
		Version:     c.hub.config.Version,
		Uptime:      time.Since(c.hub.startTime),
		ClientCount: c.hub.clientCount.Load(),
		Subscribers: c.hub.broadcaster.Subscribers(),
		Status:      c.hub.node.GetStatus(ctx).String(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return c.WriteErr(protocol.ErrInternal, "failed to marshal info")
	}
	return c.WriteJSON(data)
}

// handleShutdown tears the node down and stops the daemon. The reply is
// sent first; the teardown runs outside the connection's lifetime.
func (c *Connection) handleShutdown() error {
	if c.hub.IsShuttingDown() {
		return c.WriteErr(protocol.ErrShuttingDown, "already shutting down")
	}
	err := c.WriteOK("shutting down")
	c.logger.Infow("shutdown requested by client")
	go func() { _ = c.hub.Teardown(context.Background()) }()
	return err
}

// ID returns the connection ID.
func (c *Connection) ID() int64 {
	return c.id
}

// Hub returns the parent hub.
func (c *Connection) Hub() *Hub {
	return c.hub
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// send writes one frame under the connection lock with the write deadline.
func (c *Connection) send(write func(w *protocol.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	if c.hub.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
	}
	return write(c.writer)
}

// WriteOK sends an OK response.
func (c *Connection) WriteOK(msg string) error {
	return c.send(func(w *protocol.Writer) error { return w.WriteOK(msg) })
}

// WriteErr sends an error response.
func (c *Connection) WriteErr(code protocol.ErrorCode, msg string) error {
	return c.send(func(w *protocol.Writer) error { return w.WriteErr(code, msg) })
}

// WriteJSON sends a JSON response.
func (c *Connection) WriteJSON(data []byte) error {
	return c.send(func(w *protocol.Writer) error { return w.WriteJSON(data) })
}

// WritePong sends a PONG response.
func (c *Connection) WritePong() error {
	return c.send(func(w *protocol.Writer) error { return w.WritePong() })
}

// WritePush sends a push frame.
func (c *Connection) WritePush(push protocol.Push) error {
	data, err := json.Marshal(push)
	if err != nil {
		return err
	}
	return c.WriteJSON(data)
}

// pump forwards pushes until the subscription ends or a write fails.
func (c *Connection) pump(pushes <-chan protocol.Push) {
	for push := range pushes {
		if err := c.WritePush(push); err != nil {
			c.logger.Debugw("push failed, dropping client", "error", err)
			c.Close()
			c.hub.broadcaster.Unsubscribe(c.id)
			for range pushes {
			}
			return
		}
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
