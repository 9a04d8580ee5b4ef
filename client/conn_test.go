package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/topoface/node-supervisor/hub"
	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/socket"
	"github.com/topoface/node-supervisor/status"
)

// stubNode is a node that reaches every requested status immediately.
type stubNode struct {
	mu      sync.Mutex
	current status.Status
	fail    bool
}

func (n *stubNode) move(to status.Status) (status.Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return n.current, errors.New("node refused")
	}
	n.current = to
	return to, nil
}

func (n *stubNode) GoOff(context.Context) (status.Status, error)     { return n.move(status.Off) }
func (n *stubNode) GoServing(context.Context) (status.Status, error) { return n.move(status.Serving) }
func (n *stubNode) GoConsuming(context.Context) (status.Status, error) {
	return n.move(status.Consuming)
}

func (n *stubNode) GetStatus(context.Context) status.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *stubNode) Shutdown(context.Context) error {
	_, err := n.move(status.Off)
	return err
}

func startTestDaemon(t *testing.T, node hub.Node) *hub.Hub {
	t.Helper()
	cfg := hub.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "d.sock")
	cfg.Version = "1.4.2"
	h := hub.New(cfg, node)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewConnDefaults(t *testing.T) {
	c := NewConn()
	if c.SocketPath() != socket.DefaultSocketPath(socket.DefaultName) {
		t.Errorf("SocketPath() = %q, want default", c.SocketPath())
	}
	if c.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", c.timeout)
	}

	c = NewConn(WithSocketPath("/tmp/x.sock"), WithTimeout(time.Second))
	if c.SocketPath() != "/tmp/x.sock" || c.timeout != time.Second {
		t.Errorf("options not applied: %q %v", c.SocketPath(), c.timeout)
	}
}

func TestEnsureConnectedWithoutDaemon(t *testing.T) {
	c := NewConn(WithSocketPath(filepath.Join(t.TempDir(), "missing.sock")))
	err := c.EnsureConnected(testCtx(t))
	if !errors.Is(err, socket.ErrSocketNotFound) {
		t.Errorf("EnsureConnected() error = %v, want ErrSocketNotFound", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true without a daemon")
	}
}

func TestClosedConnRejectsRequests(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Off})
	c := NewConn(WithSocketPath(h.SocketPath()))
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Ping(testCtx(t)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Ping() after Close error = %v, want ErrConnectionClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPingAndInfo(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Serving})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()
	ctx := testCtx(t)

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after Ping")
	}

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Version != "1.4.2" {
		t.Errorf("Version = %q, want 1.4.2", info.Version)
	}
	if info.Status != "Serving" {
		t.Errorf("Status = %q, want Serving", info.Status)
	}
}

func TestNodeIntents(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Off})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()
	ctx := testCtx(t)

	for _, target := range []status.Status{status.Consuming, status.Serving, status.Off} {
		got, err := c.Node(ctx, target)
		if err != nil {
			t.Fatalf("Node(%v) error = %v", target, err)
		}
		if got != target {
			t.Errorf("Node(%v) = %v", target, got)
		}
		st, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st != target {
			t.Errorf("Status() = %v, want %v", st, target)
		}
	}
}

func TestNodeReportsStatusReached(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Off, fail: true})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()

	got, err := c.Node(testCtx(t), status.Serving)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if got != status.Off {
		t.Errorf("Node(SERVING) = %v, want OFF", got)
	}
}

func TestNodeRejectsInvalidTarget(t *testing.T) {
	c := NewConn(WithSocketPath(filepath.Join(t.TempDir(), "unused.sock")))
	if _, err := c.Node(testCtx(t), status.Invalid); err == nil {
		t.Error("Node(INVALID) error = nil")
	}
}

func TestServerError(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Off})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()

	err := c.Request("BOGUS").OK(testCtx(t))
	if !errors.Is(err, ErrServerError) {
		t.Fatalf("error = %v, want ErrServerError", err)
	}
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not *ServerError", err)
	}
	if se.Code != string(protocol.ErrInvalidCommand) {
		t.Errorf("Code = %q, want %q", se.Code, protocol.ErrInvalidCommand)
	}

	// The connection survives an ERR reply.
	if err := c.Ping(testCtx(t)); err != nil {
		t.Errorf("Ping() after ERR error = %v", err)
	}
}

func TestRequestBuilderSplitsSubVerb(t *testing.T) {
	c := NewConn()
	r := c.Request(protocol.VerbNode, "serving", "extra")
	if r.subVerb != "serving" {
		t.Errorf("subVerb = %q, want serving", r.subVerb)
	}
	if len(r.args) != 1 || r.args[0] != "extra" {
		t.Errorf("args = %v, want [extra]", r.args)
	}

	r = c.Request(protocol.VerbPing, "not-a-subverb")
	if r.subVerb != "" || len(r.args) != 1 {
		t.Errorf("subVerb = %q args = %v", r.subVerb, r.args)
	}
}

func TestWithJSONErrorSurfaces(t *testing.T) {
	c := NewConn(WithSocketPath(filepath.Join(t.TempDir(), "unused.sock")))
	err := c.Request(protocol.VerbInfo).WithJSON(make(chan int)).OK(testCtx(t))
	if err == nil {
		t.Error("OK() with unencodable payload error = nil")
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Off})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()
	ctx := testCtx(t)

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping() after Disconnect error = %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Serving})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()
	ctx := testCtx(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.Status(ctx)
			if err == nil && st != status.Serving {
				err = errors.New("unexpected status " + st.String())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Status() error = %v", err)
		}
	}
}

func TestSubscribe(t *testing.T) {
	node := &stubNode{current: status.Off}
	h := startTestDaemon(t, node)
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()

	ctx, cancel := context.WithCancel(testCtx(t))
	pushes := make(chan protocol.Push, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, func(p protocol.Push) { pushes <- p })
	}()

	first := <-pushes
	if first.Type != protocol.PushStatus || first.Status != "Off" {
		t.Errorf("first push = %+v, want status Off", first)
	}

	h.Broadcaster().Report(status.Serving)
	if p := <-pushes; p.Status != "Serving" {
		t.Errorf("push = %+v, want status Serving", p)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Subscribe() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestSubscribeEndsWhenDaemonStops(t *testing.T) {
	h := startTestDaemon(t, &stubNode{current: status.Off})
	c := NewConn(WithSocketPath(h.SocketPath()))
	defer c.Close()

	subscribed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(testCtx(t), func(protocol.Push) {
			select {
			case subscribed <- struct{}{}:
			default:
			}
		})
	}()
	<-subscribed

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Subscribe() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after daemon stopped")
	}
}
