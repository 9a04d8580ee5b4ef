package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topoface/node-supervisor/dns"
	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/process"
	"github.com/topoface/node-supervisor/status"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type fakeProcesses struct {
	mu    sync.Mutex
	procs []process.Descriptor

	kills   atomic.Int32
	release chan struct{}
}

func (f *fakeProcesses) set(procs ...process.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func (f *fakeProcesses) add(d process.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = append(f.procs, d)
}

func (f *fakeProcesses) Find(context.Context) []process.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Descriptor(nil), f.procs...)
}

func (f *fakeProcesses) KillByIdentity(context.Context) error {
	f.kills.Add(1)
	if f.release != nil {
		<-f.release
	}
	f.set()
	return nil
}

type fakeDNS struct {
	mu         sync.Mutex
	state      dns.State
	subvertErr error
	revertErr  error
	subverts   int
	reverts    int
}

func (f *fakeDNS) Subvert(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subverts++
	if f.subvertErr != nil {
		return f.subvertErr
	}
	f.state = dns.Subverted
	return nil
}

func (f *fakeDNS) Revert(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts++
	if f.revertErr != nil {
		return f.revertErr
	}
	f.state = dns.Reverted
	return nil
}

func (f *fakeDNS) CurrentState() dns.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDNS) counts() (subverts, reverts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subverts, f.reverts
}

type fakeControl struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	shutdowns  int
	connectErr error
	onShutdown func()

	// nil means the transition is confirmed at once.
	up   func(ctx context.Context) bool
	down func(ctx context.Context) bool
}

func (f *fakeControl) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeControl) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeControl) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	f.connected = false
	hook := f.onShutdown
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeControl) VerifyUp(ctx context.Context, _ time.Duration) bool {
	if f.up == nil {
		return true
	}
	return f.up(ctx)
}

func (f *fakeControl) VerifyDown(ctx context.Context, _ time.Duration) bool {
	if f.down == nil {
		return true
	}
	return f.down(ctx)
}

func (f *fakeControl) counts() (connects, shutdowns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.shutdowns
}

func never(ctx context.Context) bool {
	<-ctx.Done()
	return false
}

func refuse(context.Context) bool { return false }

type fakeProc struct {
	id      string
	pid     int
	running atomic.Bool
	sendErr error
	termErr error
	events  chan process.Event

	mu         sync.Mutex
	sent       []process.Directive
	terminated bool
}

func newFakeProc(id string, pid int) *fakeProc {
	p := &fakeProc{id: id, pid: pid, events: make(chan process.Event, 8)}
	p.running.Store(true)
	return p
}

func (p *fakeProc) ID() string                   { return p.id }
func (p *fakeProc) PID() int                     { return p.pid }
func (p *fakeProc) Running() bool                { return p.running.Load() }
func (p *fakeProc) Events() <-chan process.Event { return p.events }

func (p *fakeProc) Send(d process.Directive) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, d)
	return nil
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return p.termErr
}

func (p *fakeProc) directives() []process.Directive {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]process.Directive(nil), p.sent...)
}

type fakeSpawner struct {
	procs *fakeProcesses
	err   error

	mu      sync.Mutex
	spawned []*fakeProc
}

// Spawn launches a fake node that shows up in the process table at once.
func (f *fakeSpawner) Spawn(context.Context, process.LaunchConfig) (NodeProcess, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.spawned) + 1
	p := newFakeProc(fmt.Sprintf("spawn-%d", n), 1000+n)
	f.spawned = append(f.spawned, p)
	f.procs.add(process.Descriptor{PID: p.pid, Name: "node"})
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeSpawner) last() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[len(f.spawned)-1]
}

type harness struct {
	sup     *Supervisor
	procs   *fakeProcesses
	dns     *fakeDNS
	control *fakeControl
	spawner *fakeSpawner
	rec     *notify.Recorder
	clock   fakeClock
	metrics *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		procs:   &fakeProcesses{},
		dns:     &fakeDNS{state: dns.Reverted},
		control: &fakeControl{},
		rec:     &notify.Recorder{},
		clock:   clockwork.NewFakeClock(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.spawner = &fakeSpawner{procs: h.procs}

	sup, err := New(Config{}, Deps{
		Processes: h.procs,
		Spawner:   h.spawner,
		DNS:       h.dns,
		Control:   h.control,
		Reporter:  h.rec,
		Notifier:  h.rec,
		Clock:     h.clock,
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })
	h.sup = sup
	return h
}

func node(pid int) process.Descriptor {
	return process.Descriptor{PID: pid, Name: "node"}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Processes")
}

func TestScenarioOff(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, status.Off, h.sup.SetStatus(context.Background()))
	assert.Nil(t, h.sup.Handle())
	last, _ := h.rec.Last()
	assert.Equal(t, status.Off, last)
}

func TestScenarioServingAdoptsProcess(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))

	assert.Equal(t, status.Serving, h.sup.SetStatus(context.Background()))
	assert.Equal(t, OriginAdopted, h.sup.HandleOrigin())
	assert.Equal(t, 42, h.sup.Handle().PID())
}

func TestScenarioConsuming(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))
	h.dns.state = dns.Subverted

	assert.Equal(t, status.Consuming, h.sup.SetStatus(context.Background()))
	assert.NotNil(t, h.sup.Handle())
}

func TestScenarioInvalidClearsHandle(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))
	h.sup.SetStatus(context.Background())
	require.NotNil(t, h.sup.Handle())

	h.procs.set()
	h.dns.state = dns.Subverted

	assert.Equal(t, status.Invalid, h.sup.SetStatus(context.Background()))
	assert.Nil(t, h.sup.Handle())
}

func TestSetStatusIdempotent(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(7), node(8))

	first := h.sup.SetStatus(context.Background())
	handle := h.sup.Handle()
	second := h.sup.SetStatus(context.Background())

	assert.Equal(t, first, second)
	assert.Same(t, handle, h.sup.Handle())
}

func TestHandleMatchesRunningStatus(t *testing.T) {
	lists := [][]process.Descriptor{nil, {node(1)}, {node(2), node(3)}}
	states := []dns.State{dns.Unknown, dns.Reverted, dns.Subverted}
	priors := []string{"none", "adopted", "spawned", "dead"}

	for _, procs := range lists {
		for _, state := range states {
			for _, prior := range priors {
				name := fmt.Sprintf("%d procs/%s/%s", len(procs), state, prior)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t)
					switch prior {
					case "adopted":
						h.sup.handle.Store(adoptedHandle(node(99)))
					case "spawned":
						h.sup.handle.Store(spawnedHandle(newFakeProc("x", 98)))
					case "dead":
						p := newFakeProc("y", 97)
						p.running.Store(false)
						h.sup.handle.Store(spawnedHandle(p))
					}
					h.procs.set(procs...)
					h.dns.state = state

					st := h.sup.SetStatus(context.Background())
					assert.Equal(t, st.Running(), h.sup.Handle() != nil)
				})
			}
		}
	}
}

func TestReconcileKeepsControllableHandle(t *testing.T) {
	h := newHarness(t)
	p := newFakeProc("spawn", 500)
	h.sup.handle.Store(spawnedHandle(p))
	h.procs.set(node(501))

	h.sup.SetStatus(context.Background())
	assert.Equal(t, OriginSpawned, h.sup.HandleOrigin())
	assert.Equal(t, "spawn", h.sup.Handle().SpawnID())

	// Once the launcher is gone the listed process is adopted instead.
	p.running.Store(false)
	h.sup.SetStatus(context.Background())
	assert.Equal(t, OriginAdopted, h.sup.HandleOrigin())
	assert.Equal(t, 501, h.sup.Handle().PID())
}

func TestGetStatusDoesNotTouchHandle(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))

	assert.Equal(t, status.Serving, h.sup.GetStatus(context.Background()))
	assert.Nil(t, h.sup.Handle())
	assert.Empty(t, h.rec.Statuses())
}

func TestStartNodeSpawnsAndConnects(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sup.StartNode(context.Background()))

	require.Equal(t, 1, h.spawner.count())
	proc := h.spawner.last()
	assert.Equal(t, []process.Directive{process.DirectiveStart}, proc.directives())
	assert.Equal(t, OriginSpawned, h.sup.HandleOrigin())
	assert.True(t, h.control.IsConnected())
}

func TestStartNodeWithHandleReconnects(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))
	h.sup.SetStatus(context.Background())

	require.NoError(t, h.sup.StartNode(context.Background()))
	require.NoError(t, h.sup.StartNode(context.Background()))

	assert.Zero(t, h.spawner.count())
	connects, _ := h.control.counts()
	assert.Equal(t, 2, connects)
}

func TestStartNodeConnectFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.control.connectErr = errors.New("refused")

	assert.NoError(t, h.sup.StartNode(context.Background()))
	assert.False(t, h.control.IsConnected())
}

func TestStartNodeSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errors.New("no such file")

	err := h.sup.StartNode(context.Background())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindExternalProcess, kind)
	assert.Nil(t, h.sup.Handle())
}

func TestScenarioStartupTimeout(t *testing.T) {
	h := newHarness(t)
	h.control.up = never

	errc := make(chan error, 1)
	go func() { errc <- h.sup.StartNode(context.Background()) }()

	h.clock.BlockUntil(1)
	h.clock.Advance(DefaultStartupTimeout)

	err := wait(t, errc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "1m0s")

	assert.Equal(t, OriginSpawned, h.sup.HandleOrigin())
	assert.Equal(t, status.Serving, h.sup.GetStatus(context.Background()))
	assert.False(t, h.control.IsConnected())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.startupTimeouts))
}

func TestScenarioForcedKill(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))
	h.sup.SetStatus(context.Background())
	require.Equal(t, OriginAdopted, h.sup.HandleOrigin())

	h.control.down = never
	h.procs.release = make(chan struct{})
	defer close(h.procs.release)

	errc := make(chan error, 1)
	go func() { errc <- h.sup.StopNode(context.Background()) }()

	h.clock.BlockUntil(1)
	h.clock.Advance(DefaultShutdownTimeout)

	// StopNode returns while the kill is still blocked.
	require.NoError(t, wait(t, errc))
	assert.Nil(t, h.sup.Handle())
	assert.Eventually(t, func() bool { return h.procs.kills.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.forcedStops.WithLabelValues("kill")))
}

func TestStopNodeSendsStopToSpawnedHandle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartNode(context.Background()))
	proc := h.spawner.last()

	h.control.down = refuse
	require.NoError(t, h.sup.StopNode(context.Background()))

	_, shutdowns := h.control.counts()
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, []process.Directive{process.DirectiveStart, process.DirectiveStop}, proc.directives())
	assert.Nil(t, h.sup.Handle())
	assert.Zero(t, h.procs.kills.Load())
}

func TestStopNodeTerminatesWhenDirectiveFails(t *testing.T) {
	h := newHarness(t)
	proc := newFakeProc("spawn", 500)
	proc.sendErr = process.ErrNotRunning
	h.sup.handle.Store(spawnedHandle(proc))
	h.control.down = refuse

	require.NoError(t, h.sup.StopNode(context.Background()))
	proc.mu.Lock()
	assert.True(t, proc.terminated)
	proc.mu.Unlock()

	proc.termErr = errors.New("operation not permitted")
	h.sup.handle.Store(spawnedHandle(proc))
	err := h.sup.StopNode(context.Background())
	kind, _ := KindOf(err)
	assert.Equal(t, KindExternalProcess, kind)
}

func TestStopNodeConfirmedLeavesHandle(t *testing.T) {
	h := newHarness(t)
	h.procs.set(node(42))
	h.sup.SetStatus(context.Background())

	require.NoError(t, h.sup.StopNode(context.Background()))
	_, shutdowns := h.control.counts()
	assert.Zero(t, shutdowns, "no session, no shutdown opcode")
	assert.NotNil(t, h.sup.Handle())
	assert.Zero(t, h.procs.kills.Load())
}

func TestGoConsumingFromOff(t *testing.T) {
	h := newHarness(t)

	st, err := h.sup.GoConsuming(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Consuming, st)
	assert.Equal(t, OriginSpawned, h.sup.HandleOrigin())

	last, _ := h.rec.Last()
	assert.Equal(t, status.Consuming, last)
	assert.Empty(t, h.rec.Notifications())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.intents.WithLabelValues("consuming", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.status.WithLabelValues("Consuming")))
}

func TestGoServingAfterConsuming(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.GoConsuming(context.Background())
	require.NoError(t, err)

	st, err := h.sup.GoServing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Serving, st)
	assert.Equal(t, 1, h.spawner.count(), "a held handle is reused")
}

func TestGoOff(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.GoConsuming(context.Background())
	require.NoError(t, err)
	h.control.onShutdown = func() { h.procs.set() }

	st, err := h.sup.GoOff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Off, st)
	assert.Nil(t, h.sup.Handle())
	assert.Equal(t, dns.Reverted, h.dns.CurrentState())
}

func TestGoConsumingContinuesAfterStartupTimeout(t *testing.T) {
	h := newHarness(t)
	h.control.up = never

	type result struct {
		st  status.Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := h.sup.GoConsuming(context.Background())
		done <- result{st, err}
	}()

	h.clock.BlockUntil(1)
	h.clock.Advance(DefaultStartupTimeout)

	r := wait(t, done)
	assert.True(t, errors.Is(r.err, ErrTimeout))
	assert.Equal(t, status.Consuming, r.st)

	notes := h.rec.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.Error, notes[0].Severity)
	assert.Contains(t, notes[0].Message, "1m0s")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.intents.WithLabelValues("consuming", "timeout")))
}

func TestIntentStopsAtSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errors.New("exec format error")

	st, err := h.sup.GoServing(context.Background())
	require.Error(t, err)
	assert.Equal(t, status.Off, st)

	_, reverts := h.dns.counts()
	assert.Zero(t, reverts)
	require.Len(t, h.rec.Notifications(), 1)
	last, _ := h.rec.Last()
	assert.Equal(t, status.Off, last)
}

func TestIntentReportsDNSFailure(t *testing.T) {
	h := newHarness(t)
	h.dns.subvertErr = errors.New("resolver locked")

	st, err := h.sup.GoConsuming(context.Background())
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindDNSCoordination, kind)
	assert.Equal(t, status.Serving, st)

	notes := h.rec.Notifications()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "resolver locked")
}

func TestIntentRefreshesAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.control.up = never

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.sup.GoServing(ctx)
		done <- err
	}()

	h.clock.BlockUntil(1)
	cancel()

	require.Error(t, wait(t, done))
	last, ok := h.rec.Last()
	require.True(t, ok)
	assert.Equal(t, status.Serving, last)
}

func TestShutdownSkipsStopWhenRevertFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.GoConsuming(context.Background())
	require.NoError(t, err)
	h.dns.revertErr = errors.New("permission denied")

	err = h.sup.Shutdown(context.Background())
	kind, _ := KindOf(err)
	assert.Equal(t, KindDNSCoordination, kind)

	_, shutdowns := h.control.counts()
	assert.Zero(t, shutdowns)
	assert.Equal(t, OriginSpawned, h.sup.HandleOrigin())
	require.Len(t, h.rec.Notifications(), 1)
	last, _ := h.rec.Last()
	assert.Equal(t, status.Consuming, last)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.GoConsuming(context.Background())
	require.NoError(t, err)
	h.control.onShutdown = func() { h.procs.set() }

	require.NoError(t, h.sup.Shutdown(context.Background()))
	last, _ := h.rec.Last()
	assert.Equal(t, status.Off, last)
	assert.Nil(t, h.sup.Handle())
}

func TestShutdownPreemptsPendingStart(t *testing.T) {
	h := newHarness(t)
	h.control.up = never

	type result struct {
		st  status.Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := h.sup.GoServing(context.Background())
		done <- result{st, err}
	}()
	h.clock.BlockUntil(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	r := wait(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
	// The start failed, so only Shutdown reverted DNS.
	_, reverts := h.dns.counts()
	assert.Equal(t, 1, reverts)
	assert.Equal(t, 1, h.spawner.count())

	_, err := h.sup.GoConsuming(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 1, h.spawner.count())
}

type cancelAwareProcesses struct{ fakeProcesses }

func (c *cancelAwareProcesses) Find(ctx context.Context) []process.Descriptor {
	if ctx.Err() != nil {
		return nil
	}
	return c.fakeProcesses.Find(ctx)
}

func TestGetStatusIgnoresCallerCancellation(t *testing.T) {
	procs := &cancelAwareProcesses{}
	procs.set(node(42))
	sup, err := New(Config{}, Deps{
		Processes: procs,
		Spawner:   &fakeSpawner{procs: &procs.fakeProcesses},
		DNS:       &fakeDNS{state: dns.Reverted},
		Control:   &fakeControl{},
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, status.Serving, sup.GetStatus(ctx))
}

func TestRefreshYieldsToIntent(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.intents.TryAcquire(1))

	_, ran := h.sup.Refresh(context.Background())
	assert.False(t, ran)
	assert.Empty(t, h.rec.Statuses())

	h.sup.intents.Release(1)
	st, ran := h.sup.Refresh(context.Background())
	assert.True(t, ran)
	assert.Equal(t, status.Off, st)
}

func TestMonitorRefreshes(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sup.Monitor(ctx, time.Second)

	h.clock.BlockUntil(1)
	h.procs.set(node(42))
	h.clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		last, ok := h.rec.Last()
		return ok && last == status.Serving
	}, 5*time.Second, 10*time.Millisecond)
}

func startSpawned(t *testing.T, h *harness) *fakeProc {
	t.Helper()
	require.NoError(t, h.sup.StartNode(context.Background()))
	return h.spawner.last()
}

func TestExitReactionTwice(t *testing.T) {
	h := newHarness(t)
	proc := startSpawned(t, h)
	h.procs.set()

	exit := process.Event{Kind: process.EventExit, SpawnID: proc.id, ExitCode: 1}
	h.sup.handleEvent(exit)
	assert.Nil(t, h.sup.Handle())
	h.sup.handleEvent(exit)
	assert.Nil(t, h.sup.Handle())

	assert.Equal(t, []status.Status{status.Off, status.Off}, h.rec.Statuses())
	assert.Empty(t, h.rec.Notifications())
}

func TestErrorThenExit(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.GoConsuming(context.Background())
	require.NoError(t, err)
	proc := h.spawner.last()
	h.procs.set()
	_, revertsBefore := h.dns.counts()

	h.sup.handleEvent(process.Event{Kind: process.EventError, SpawnID: proc.id, Err: errors.New("broken pipe")})
	h.sup.handleEvent(process.Event{Kind: process.EventExit, SpawnID: proc.id, ExitCode: -1})

	assert.Nil(t, h.sup.Handle())
	_, reverts := h.dns.counts()
	assert.Equal(t, revertsBefore+1, reverts)
	notes := h.rec.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "Node process error: broken pipe", notes[0].Message)
	last, _ := h.rec.Last()
	assert.Equal(t, status.Off, last)
}

func TestCommandErrorRecovers(t *testing.T) {
	for _, msg := range []process.Message{
		{Level: process.LevelError, Code: process.CodeCommandError, Text: "bind: address in use"},
		{Level: process.LevelError, Text: "Command returned error: exit status 1"},
	} {
		t.Run(msg.Text, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.sup.GoConsuming(context.Background())
			require.NoError(t, err)
			proc := h.spawner.last()
			h.procs.set()

			h.sup.handleEvent(process.Event{Kind: process.EventMessage, SpawnID: proc.id, Message: msg})

			assert.Nil(t, h.sup.Handle())
			assert.Equal(t, dns.Reverted, h.dns.CurrentState())
			last, _ := h.rec.Last()
			assert.Equal(t, status.Off, last)
		})
	}
}

func TestInfoMessageIsLoggedOnly(t *testing.T) {
	h := newHarness(t)
	proc := startSpawned(t, h)
	reported := len(h.rec.Statuses())

	h.sup.handleEvent(process.Event{
		Kind:    process.EventMessage,
		SpawnID: proc.id,
		Message: process.Message{Level: process.LevelInfo, Text: "listening"},
	})

	assert.Equal(t, OriginSpawned, h.sup.HandleOrigin())
	assert.Len(t, h.rec.Statuses(), reported)
	_, reverts := h.dns.counts()
	assert.Zero(t, reverts)
}

func TestStaleEventsKeepNewerHandle(t *testing.T) {
	h := newHarness(t)
	current := startSpawned(t, h)

	h.sup.handleEvent(process.Event{Kind: process.EventExit, SpawnID: "spawn-old"})
	h.sup.handleEvent(process.Event{
		Kind:    process.EventMessage,
		SpawnID: "spawn-old",
		Message: process.Message{Code: process.CodeCommandError},
	})

	assert.Equal(t, current.id, h.sup.Handle().SpawnID())
	_, reverts := h.dns.counts()
	assert.Zero(t, reverts)
}

func TestEventsFlowThroughLoop(t *testing.T) {
	h := newHarness(t)
	proc := startSpawned(t, h)
	h.procs.set()

	proc.events <- process.Event{Kind: process.EventExit, SpawnID: proc.id}

	assert.Eventually(t, func() bool {
		last, ok := h.rec.Last()
		return h.sup.Handle() == nil && ok && last == status.Off
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.processEvents.WithLabelValues("exit")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestErrorKinds(t *testing.T) {
	err := errors.Wrap(newError(KindTimeout, "starting node", errors.New("slow")), "consuming")
	assert.True(t, errors.Is(err, ErrTimeout))
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, "timeout", kind.String())
	assert.Equal(t, "consuming: starting node: slow", err.Error())

	assert.False(t, errors.Is(newError(KindDNSCoordination, "", errors.New("x")), ErrTimeout))
	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
