// Package supervisor owns the node process: it starts and stops it, keeps
// DNS redirection consistent with it, and reports one consolidated status.
//
// A Supervisor holds at most one process handle. After every state-changing
// operation and every process event it recomputes the status from a fresh
// process listing and DNS query, and reconciles the handle so that a handle
// is held exactly when the status says the node is running.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/topoface/node-supervisor/dns"
	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/process"
	"github.com/topoface/node-supervisor/status"
)

const (
	DefaultStartupTimeout  = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// NodeProcess is a spawned launcher with a directive channel.
type NodeProcess interface {
	ID() string
	PID() int
	Running() bool
	Send(d process.Directive) error
	Terminate() error
	Events() <-chan process.Event
}

// Spawner launches the node.
type Spawner interface {
	Spawn(ctx context.Context, cfg process.LaunchConfig) (NodeProcess, error)
}

type managerSpawner struct{ m *process.Manager }

// SpawnerFrom adapts a process.Manager to Spawner.
func SpawnerFrom(m *process.Manager) Spawner {
	return managerSpawner{m: m}
}

func (s managerSpawner) Spawn(ctx context.Context, cfg process.LaunchConfig) (NodeProcess, error) {
	p, err := s.m.Spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Processes finds node processes by identity and kills them.
type Processes interface {
	Find(ctx context.Context) []process.Descriptor
	KillByIdentity(ctx context.Context) error
}

// ControlChannel is a session with the node's gateway.
type ControlChannel interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Shutdown()
	VerifyUp(ctx context.Context, timeout time.Duration) bool
	VerifyDown(ctx context.Context, timeout time.Duration) bool
}

// Config holds the launch command and confirmation windows.
type Config struct {
	Launch          process.LaunchConfig
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the collaborators a Supervisor drives. Processes, Spawner, DNS
// and Control are required.
type Deps struct {
	Processes Processes
	Spawner   Spawner
	DNS       dns.Coordinator
	Control   ControlChannel
	Reporter  notify.Reporter
	Notifier  notify.Notifier
	Logger    *zap.SugaredLogger
	Clock     clockwork.Clock
	Metrics   *Metrics
}

// Supervisor is the node process supervisor.
type Supervisor struct {
	cfg Config

	procs    Processes
	spawner  Spawner
	dns      dns.Coordinator
	control  ControlChannel
	reporter notify.Reporter
	notifier notify.Notifier
	logger   *zap.SugaredLogger
	clock    clockwork.Clock
	metrics  *Metrics

	handle atomic.Pointer[Handle]

	// intents admits one start/stop sequence at a time.
	intents *semaphore.Weighted
	queries singleflight.Group

	// preempt cancels the sequence holding intents; stopping refuses new
	// ones once Shutdown has begun.
	preemptMu sync.Mutex
	preempt   context.CancelFunc
	stopping  bool

	events   chan process.Event
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates a Supervisor and starts its event loop. Call Close to stop it.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	switch {
	case deps.Processes == nil:
		return nil, errors.New("supervisor: Processes is required")
	case deps.Spawner == nil:
		return nil, errors.New("supervisor: Spawner is required")
	case deps.DNS == nil:
		return nil, errors.New("supervisor: DNS is required")
	case deps.Control == nil:
		return nil, errors.New("supervisor: Control is required")
	}

	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	sink := notify.NewLogSink(deps.Logger)
	if deps.Reporter == nil {
		deps.Reporter = sink
	}
	if deps.Notifier == nil {
		deps.Notifier = sink
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		procs:    deps.Processes,
		spawner:  deps.Spawner,
		dns:      deps.DNS,
		control:  deps.Control,
		reporter: deps.Reporter,
		notifier: deps.Notifier,
		logger:   deps.Logger.Named("supervisor"),
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		intents:  semaphore.NewWeighted(1),
		events:   make(chan process.Event, 64),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Close stops the event loop. It does not touch the node or DNS.
func (s *Supervisor) Close() error {
	s.cancel()
	<-s.loopDone
	return nil
}

// Handle returns the current handle, or nil. While the node runs, a
// controllable spawned handle is kept even when the process listing puts a
// different PID first; otherwise the handle tracks the first listed process.
func (s *Supervisor) Handle() *Handle {
	return s.handle.Load()
}

// HandleOrigin reports how the current handle was obtained.
func (s *Supervisor) HandleOrigin() Origin {
	return s.handle.Load().Origin()
}

// GetStatus determines the current status without touching the handle.
// Concurrent callers share one query, which ignores the first caller's
// cancellation.
func (s *Supervisor) GetStatus(ctx context.Context) status.Status {
	shared := context.WithoutCancel(ctx)
	v, _, _ := s.queries.Do("status", func() (any, error) {
		return s.determine(shared), nil
	})
	return v.(status.Status)
}

// SetStatus determines the current status, reconciles the handle with it
// and reports it.
func (s *Supervisor) SetStatus(ctx context.Context) status.Status {
	return s.setStatus(ctx)
}

// Refresh runs SetStatus unless an intent is in progress, in which case it
// reports false and does nothing; the intent refreshes when it finishes.
func (s *Supervisor) Refresh(ctx context.Context) (status.Status, bool) {
	if !s.intents.TryAcquire(1) {
		return "", false
	}
	defer s.intents.Release(1)
	return s.setStatus(ctx), true
}

// Monitor calls Refresh every interval until ctx ends, so that changes made
// behind the supervisor's back reach the reporter.
func (s *Supervisor) Monitor(ctx context.Context, every time.Duration) {
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Refresh(ctx)
		}
	}
}

func (s *Supervisor) determine(ctx context.Context) status.Status {
	return status.Determine(s.procs.Find(ctx), s.dns.CurrentState())
}

func (s *Supervisor) setStatus(ctx context.Context) status.Status {
	procs := s.procs.Find(ctx)
	st := status.Determine(procs, s.dns.CurrentState())
	s.reconcile(st, procs)

	h := s.handle.Load()
	s.logger.Debugw("status determined", "status", st, "handle", h.Origin(), "pid", h.PID())
	s.metrics.observeStatus(st)
	s.reporter.Report(st)
	return st
}

// reconcile makes the handle agree with st. A controllable spawned handle
// is kept while the node runs, since it is the only route for a directed
// stop; otherwise the first listed process is adopted.
func (s *Supervisor) reconcile(st status.Status, procs []process.Descriptor) {
	for {
		cur := s.handle.Load()
		next := cur
		switch {
		case !st.Running():
			next = nil
		case cur.Controllable():
		case cur.Origin() == OriginAdopted && cur.PID() == procs[0].PID:
		default:
			next = adoptedHandle(procs[0])
		}
		if next == cur || s.handle.CompareAndSwap(cur, next) {
			return
		}
	}
}

// clearIf drops the handle unless it belongs to a different spawn than id.
func (s *Supervisor) clearIf(id string) {
	for {
		cur := s.handle.Load()
		if cur == nil {
			return
		}
		if cur.Origin() == OriginSpawned && cur.SpawnID() != id {
			return
		}
		if s.handle.CompareAndSwap(cur, nil) {
			return
		}
	}
}

// StartNode starts the node, or reconnects the control channel when a
// handle is already held. A confirmation timeout is returned as an error
// matching ErrTimeout; the handle is kept in that case.
func (s *Supervisor) StartNode(ctx context.Context) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.startNode(ctx)
}

// StopNode asks the node to stop and falls back to a directed stop or a
// kill by identity when it is not confirmed down in time.
func (s *Supervisor) StopNode(ctx context.Context) error {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.stopNode(ctx)
}

// acquire takes the intent lock for a start or stop sequence. The returned
// context is canceled when Shutdown preempts the sequence.
func (s *Supervisor) acquire(ctx context.Context) (context.Context, func(), error) {
	if err := s.intents.Acquire(ctx, 1); err != nil {
		return ctx, nil, err
	}
	ictx, cancel := context.WithCancel(ctx)

	s.preemptMu.Lock()
	stopping := s.stopping
	if !stopping {
		s.preempt = cancel
	}
	s.preemptMu.Unlock()
	if stopping {
		cancel()
		s.intents.Release(1)
		return ctx, nil, ErrShuttingDown
	}

	return ictx, func() {
		s.preemptMu.Lock()
		s.preempt = nil
		s.preemptMu.Unlock()
		cancel()
		s.intents.Release(1)
	}, nil
}

// preemptIntents refuses new sequences and cancels the running one.
func (s *Supervisor) preemptIntents() {
	s.preemptMu.Lock()
	defer s.preemptMu.Unlock()
	s.stopping = true
	if s.preempt != nil {
		s.preempt()
	}
}

func (s *Supervisor) startNode(ctx context.Context) error {
	if h := s.handle.Load(); h != nil {
		s.connect(ctx)
		return nil
	}

	proc, err := s.spawner.Spawn(ctx, s.cfg.Launch)
	if err != nil {
		return newError(KindExternalProcess, "spawning node", err)
	}
	s.handle.Store(spawnedHandle(proc))
	// Reactions are bound before the first directive.
	go s.forward(proc)

	log := s.logger.With("spawn_id", proc.ID(), "pid", proc.PID())
	log.Infow("node launcher spawned")

	if err := proc.Send(process.DirectiveStart); err != nil {
		return newError(KindExternalProcess, "starting node", err)
	}

	if !s.await(ctx, s.cfg.StartupTimeout, s.control.VerifyUp) {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "starting node")
		}
		s.metrics.observeStartupTimeout()
		log.Warnw("node did not confirm startup", "timeout", s.cfg.StartupTimeout)
		return newError(KindTimeout, "starting node",
			errors.Errorf("node did not come up within %s", s.cfg.StartupTimeout))
	}

	s.connect(ctx)
	return nil
}

func (s *Supervisor) connect(ctx context.Context) {
	if err := s.control.Connect(ctx); err != nil {
		s.logger.Warnw("control channel unavailable", "error", newError(KindControlChannel, "connecting", err))
	}
}

func (s *Supervisor) stopNode(ctx context.Context) error {
	if s.control.IsConnected() {
		s.control.Shutdown()
	}
	if s.await(ctx, s.cfg.ShutdownTimeout, s.control.VerifyDown) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "stopping node")
	}

	h := s.handle.Swap(nil)
	s.logger.Warnw("node did not confirm shutdown", "timeout", s.cfg.ShutdownTimeout, "handle", h.Origin())

	if !h.Controllable() {
		s.metrics.observeForcedStop("kill")
		go func() {
			if err := s.procs.KillByIdentity(s.ctx); err != nil {
				s.logger.Warnw("kill by identity incomplete", "error", err)
			}
		}()
		return nil
	}

	s.metrics.observeForcedStop("directive")
	if err := h.proc.Send(process.DirectiveStop); err != nil {
		s.logger.Warnw("stop directive failed, terminating", "spawn_id", h.SpawnID(), "error", err)
		if terr := h.proc.Terminate(); terr != nil {
			return newError(KindExternalProcess, "stopping node", terr)
		}
	}
	return nil
}

// await runs verify in the background and gives up after timeout on the
// supervisor's clock.
func (s *Supervisor) await(ctx context.Context, timeout time.Duration, verify func(context.Context, time.Duration) bool) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	result := make(chan bool, 1)
	go func() { result <- verify(ctx, timeout) }()

	select {
	case ok := <-result:
		return ok
	case <-timer.Chan():
		return false
	case <-ctx.Done():
		return false
	}
}
