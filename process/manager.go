package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotRunning is returned when a directive is sent to a process that has exited.
	ErrNotRunning = errors.New("launcher is not running")
	// ErrProcessNotFound is returned when a spawn ID is not known.
	ErrProcessNotFound = errors.New("process not found")
	// ErrShuttingDown is returned when the manager is shutting down.
	ErrShuttingDown = errors.New("process manager is shutting down")
)

const (
	// DefaultGracefulTimeout is how long a terminated launcher gets before SIGKILL.
	DefaultGracefulTimeout = 5 * time.Second
	// DefaultWaitDelay bounds how long output copying may outlive the launcher.
	DefaultWaitDelay = 2 * time.Second
)

// PIDTracker records spawned launchers so they can be killed later, even by
// another daemon instance.
type PIDTracker interface {
	Add(id string, pid, pgid int) error
	Remove(id string) error
	ListTracked() []TrackedProcess
	KillTracked() (int, error)
}

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	Signature       Signature
	GracefulTimeout time.Duration
	WaitDelay       time.Duration
	PIDTracker      PIDTracker
	Logger          *zap.SugaredLogger
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		GracefulTimeout: DefaultGracefulTimeout,
		WaitDelay:       DefaultWaitDelay,
	}
}

// Manager spawns node launchers and finds or kills node processes by
// identity.
type Manager struct {
	processes sync.Map // spawn ID -> *ManagedProcess

	totalSpawned atomic.Int64
	totalFailed  atomic.Int64

	config  ManagerConfig
	finder  *Finder
	tracker PIDTracker
	logger  *zap.SugaredLogger

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(config ManagerConfig) *Manager {
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = DefaultGracefulTimeout
	}
	if config.WaitDelay <= 0 {
		config.WaitDelay = DefaultWaitDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		config:  config,
		finder:  NewFinder(config.Signature),
		tracker: config.PIDTracker,
		logger:  logger.Named("process"),
	}
}

// Spawn starts a launcher in its own process group with a directive channel
// attached. The caller must drain the returned process's Events.
func (m *Manager) Spawn(ctx context.Context, cfg LaunchConfig) (*ManagedProcess, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	p := newManagedProcess(uuid.NewString(), cfg, m.config.GracefulTimeout, m.logger)
	m.processes.Store(p.id, p)
	if err := m.start(ctx, p); err != nil {
		m.processes.Delete(p.id)
		m.totalFailed.Add(1)
		return nil, err
	}
	m.totalSpawned.Add(1)

	p.logger.Infow("launcher spawned", "pid", p.PID(), "command", cfg.Command)
	return p, nil
}

// Get returns a live spawned process by ID.
func (m *Manager) Get(id string) (*ManagedProcess, error) {
	v, ok := m.processes.Load(id)
	if !ok {
		return nil, ErrProcessNotFound
	}
	return v.(*ManagedProcess), nil
}

// List returns all live spawned processes.
func (m *Manager) List() []*ManagedProcess {
	var result []*ManagedProcess
	m.processes.Range(func(_, value any) bool {
		result = append(result, value.(*ManagedProcess))
		return true
	})
	return result
}

// TotalSpawned returns the number of successful spawns.
func (m *Manager) TotalSpawned() int64 { return m.totalSpawned.Load() }

// TotalFailed returns the number of failed spawns.
func (m *Manager) TotalFailed() int64 { return m.totalFailed.Load() }

// Find lists node processes by identity. It never fails.
func (m *Manager) Find(ctx context.Context) []Descriptor {
	return m.finder.Find(ctx)
}

// KillByIdentity terminates every node process the finder matches and every
// recorded launcher. Finder matches are signalled individually, since their
// process group may belong to whoever started them; only launchers spawned
// here, which lead their own groups, are signalled as a group. Survivors of
// SIGTERM are SIGKILLed after the graceful timeout or when ctx ends,
// whichever comes first. Errors are collected but the sweep always continues.
func (m *Manager) KillByIdentity(ctx context.Context) error {
	matched := map[int]struct{}{}
	var launchers []TrackedProcess
	var errs []error

	for _, d := range m.Find(ctx) {
		matched[d.PID] = struct{}{}
		if err := unix.Kill(d.PID, unix.SIGTERM); err != nil && !isNoSuchProcess(err) {
			errs = append(errs, pkgerrors.Wrapf(err, "terminating %s (%d)", d.Name, d.PID))
		}
	}
	if m.tracker != nil {
		launchers = m.tracker.ListTracked()
		for _, t := range launchers {
			if err := signalPGID(t.PID, t.PGID, unix.SIGTERM); err != nil && !isNoSuchProcess(err) {
				errs = append(errs, pkgerrors.Wrapf(err, "terminating launcher %d", t.PID))
			}
		}
	}

	if len(matched)+len(launchers) > 0 {
		m.logger.Infow("killing node processes by identity", "matched", len(matched), "launchers", len(launchers))
		pending := make(map[int]struct{}, len(matched)+len(launchers))
		for pid := range matched {
			pending[pid] = struct{}{}
		}
		for _, t := range launchers {
			pending[t.PID] = struct{}{}
		}
		m.awaitExit(ctx, pending)
		for pid := range matched {
			if isProcessAlive(pid) {
				_ = unix.Kill(pid, unix.SIGKILL)
			}
		}
	}

	// KillTracked SIGKILLs the surviving launcher groups and clears the record.
	if m.tracker != nil {
		if _, err := m.tracker.KillTracked(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// awaitExit polls until every pid is gone, the graceful timeout passes, or
// ctx ends.
func (m *Manager) awaitExit(ctx context.Context, pids map[int]struct{}) {
	deadline := time.NewTimer(m.config.GracefulTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		alive := false
		for pid := range pids {
			if isProcessAlive(pid) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// Shutdown stops accepting spawns and waits, until ctx ends, for the
// launchers spawned so far to exit and be reaped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
