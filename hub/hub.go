// Package hub is the daemon the UI talks to. It serves the text protocol on
// a Unix socket, turns NODE commands into supervisor intents and pushes
// status changes and operator notifications to subscribed clients.
package hub

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/topoface/node-supervisor/socket"
	"github.com/topoface/node-supervisor/status"
)

// Node is the supervisor as seen by UI clients.
type Node interface {
	GoOff(ctx context.Context) (status.Status, error)
	GoServing(ctx context.Context) (status.Status, error)
	GoConsuming(ctx context.Context) (status.Status, error)
	GetStatus(ctx context.Context) status.Status
	Shutdown(ctx context.Context) error
}

// Config holds configuration for the Hub.
type Config struct {
	// SocketPath is the Unix socket path. Empty uses the default for SocketName.
	SocketPath string
	// SocketName is used to generate the default socket path.
	SocketName string
	// MaxClients is the maximum number of concurrent clients (0 = unlimited).
	MaxClients int
	// ReadTimeout is the timeout for reading from clients.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing to clients.
	WriteTimeout time.Duration
	// IntentTimeout bounds a single NODE intent.
	IntentTimeout time.Duration
	// TeardownTimeout bounds the node teardown run by SHUTDOWN.
	TeardownTimeout time.Duration
	// Version is reported by INFO.
	Version string
	// Broadcaster fans pushes out to subscribers. Nil creates one; pass a
	// shared one when the node reports into it before the hub exists.
	Broadcaster *Broadcaster
	Logger      *zap.SugaredLogger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SocketName:      socket.DefaultName,
		WriteTimeout:    5 * time.Second,
		IntentTimeout:   2 * time.Minute,
		TeardownTimeout: 30 * time.Second,
		Version:         "dev",
	}
}

// Hub accepts UI clients and dispatches their commands.
type Hub struct {
	config Config
	node   Node
	logger *zap.SugaredLogger

	sockMgr  *socket.Manager
	listener net.Listener

	commands    *CommandRegistry
	broadcaster *Broadcaster

	clients     sync.Map // clientID -> *Connection
	clientCount atomic.Int64
	nextID      atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  atomic.Bool
	stopped   chan struct{}
	startTime time.Time

	teardownOnce sync.Once
}

// New creates a Hub driving node.
func New(config Config, node Node) *Hub {
	defaults := DefaultConfig()
	if config.SocketName == "" {
		config.SocketName = defaults.SocketName
	}
	if config.IntentTimeout <= 0 {
		config.IntentTimeout = defaults.IntentTimeout
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = defaults.TeardownTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("hub")
	broadcaster := config.Broadcaster
	if broadcaster == nil {
		broadcaster = NewBroadcaster(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config: config,
		node:   node,
		logger: logger,
		sockMgr: socket.NewManager(socket.Config{
			Path: config.SocketPath,
			Name: config.SocketName,
		}),
		commands:    NewCommandRegistry(),
		broadcaster: broadcaster,
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		startTime:   time.Now(),
	}
	h.registerBuiltinCommands()
	return h
}

// Broadcaster returns the sink that fans status and notifications out to
// subscribed clients.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// RegisterCommand adds a custom command handler.
func (h *Hub) RegisterCommand(def CommandDefinition) error {
	return h.commands.Register(def)
}

// Start binds the socket and begins accepting connections.
func (h *Hub) Start() error {
	listener, err := h.sockMgr.Listen()
	if err != nil {
		return err
	}
	h.listener = listener

	h.wg.Add(1)
	go h.acceptLoop()

	h.logger.Infow("hub listening", "socket", h.sockMgr.Path())
	return nil
}

// Stop closes every client and the socket. It does not touch the node.
func (h *Hub) Stop(ctx context.Context) error {
	if !h.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	defer close(h.stopped)

	h.cancel()
	if h.listener != nil {
		h.listener.Close()
	}
	h.clients.Range(func(_, value any) bool {
		value.(*Connection).Close()
		return true
	})
	h.broadcaster.Close()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	h.logger.Infow("hub stopped")
	return h.sockMgr.Close()
}

// Done is closed once Stop has finished, including a Stop triggered by a
// client's SHUTDOWN.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// Teardown runs the node teardown and then stops the hub. Only the first
// call has any effect.
func (h *Hub) Teardown(ctx context.Context) error {
	var err error
	h.teardownOnce.Do(func() {
		tctx, cancel := context.WithTimeout(ctx, h.config.TeardownTimeout)
		defer cancel()
		if err = h.node.Shutdown(tctx); err != nil {
			h.logger.Errorw("node teardown failed", "error", err)
		}
		if stopErr := h.Stop(ctx); stopErr != nil {
			h.logger.Warnw("stopping hub", "error", stopErr)
		}
	})
	return err
}

// Wait blocks until the accept loop and every client handler have returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.shutdown.Load() {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			h.logger.Errorw("accept failed", "error", err)
			return
		}

		if h.config.MaxClients > 0 && h.clientCount.Load() >= int64(h.config.MaxClients) {
			h.logger.Warnw("client rejected, limit reached", "max_clients", h.config.MaxClients)
			conn.Close()
			continue
		}

		id := h.nextID.Add(1)
		client := newConnection(id, conn, h)
		h.clients.Store(id, client)
		h.clientCount.Add(1)

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			client.Handle(h.ctx)
		}()
	}
}

func (h *Hub) removeClient(id int64) {
	if _, ok := h.clients.LoadAndDelete(id); ok {
		h.clientCount.Add(-1)
	}
	h.broadcaster.Unsubscribe(id)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int64 {
	return h.clientCount.Load()
}

// IsShuttingDown reports whether Stop has been called.
func (h *Hub) IsShuttingDown() bool {
	return h.shutdown.Load()
}

// SocketPath returns the socket path.
func (h *Hub) SocketPath() string {
	return h.sockMgr.Path()
}
