//go:build unix

// Package socket manages the daemon's Unix domain socket: stale cleanup,
// single-instance detection through a pid file, and client dialing.
package socket

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	ps "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// DefaultName is the socket name used when none is configured.
const DefaultName = "nodesupd"

var (
	// ErrSocketNotFound is returned when no daemon is listening at the path.
	ErrSocketNotFound = errors.New("socket not found")
	// ErrDaemonRunning is returned when another daemon already owns the socket.
	ErrDaemonRunning = errors.New("daemon already running")
)

// Config holds configuration for socket management.
type Config struct {
	// Path is the socket file path. Empty derives one from Name.
	Path string
	// Mode is the socket file permissions (default 0600).
	Mode os.FileMode
	// Name is the prefix for the default path (default "nodesupd").
	Name string
	// ProcessMatcher reports whether pid is a daemon of ours. Nil matches on
	// the process command line.
	ProcessMatcher func(pid int) bool
}

// DefaultSocketPath returns the socket path for name: under XDG_RUNTIME_DIR
// when set, otherwise a per-user file in /tmp.
func DefaultSocketPath(name string) string {
	if name == "" {
		name = DefaultName
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, name+".sock")
	}
	return fmt.Sprintf("/tmp/%s-%d.sock", name, os.Getuid())
}

// Manager handles the socket's lifecycle.
type Manager struct {
	config   Config
	listener net.Listener
	pidFile  string
	matcher  func(pid int) bool
}

// NewManager creates a socket manager.
func NewManager(config Config) *Manager {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Path == "" {
		config.Path = DefaultSocketPath(config.Name)
	}
	if config.Mode == 0 {
		config.Mode = 0600
	}

	m := &Manager{
		config:  config,
		pidFile: config.Path + ".pid",
		matcher: config.ProcessMatcher,
	}
	if m.matcher == nil {
		m.matcher = func(pid int) bool { return isDaemonProcess(pid, config.Name) }
	}
	return m
}

// Listen binds the socket after making sure no other daemon owns it.
func (m *Manager) Listen() (net.Listener, error) {
	if err := m.checkExisting(); err != nil {
		return nil, err
	}
	if err := m.cleanupStale(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(m.config.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating socket directory")
	}

	listener, err := net.Listen("unix", m.config.Path)
	if err != nil {
		return nil, errors.Wrap(err, "creating socket")
	}

	if err := os.Chmod(m.config.Path, m.config.Mode); err != nil {
		listener.Close()
		os.Remove(m.config.Path)
		return nil, errors.Wrap(err, "setting socket permissions")
	}

	if err := os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		listener.Close()
		os.Remove(m.config.Path)
		return nil, errors.Wrap(err, "writing pid file")
	}

	m.listener = listener
	return listener, nil
}

// Close closes the listener and removes the socket and pid files. It is
// safe to call more than once.
func (m *Manager) Close() error {
	var errs []error

	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !IsClosedError(err) {
			errs = append(errs, errors.Wrap(err, "closing listener"))
		}
		m.listener = nil
	}
	if err := os.Remove(m.config.Path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, errors.Wrap(err, "removing socket"))
	}
	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		errs = append(errs, errors.Wrap(err, "removing pid file"))
	}
	return stderrors.Join(errs...)
}

// Path returns the socket path.
func (m *Manager) Path() string {
	return m.config.Path
}

// PIDFile returns the pid file path.
func (m *Manager) PIDFile() string {
	return m.pidFile
}

// checkExisting fails with ErrDaemonRunning when the pid file names a live
// daemon that answers on the socket. A daemon that is alive but does not
// answer is killed so a fresh one can take over.
func (m *Manager) checkExisting() error {
	data, err := os.ReadFile(m.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading pid file")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid == os.Getpid() || !isProcessRunning(pid) || !m.matcher(pid) {
		os.Remove(m.pidFile)
		return nil
	}

	conn, err := net.DialTimeout("unix", m.config.Path, 500*time.Millisecond)
	if err != nil {
		if unix.Kill(pid, unix.SIGKILL) == nil {
			time.Sleep(100 * time.Millisecond)
		}
		os.Remove(m.pidFile)
		return nil
	}
	conn.Close()
	return ErrDaemonRunning
}

// cleanupStale removes a socket file nobody is listening on.
func (m *Manager) cleanupStale() error {
	info, err := os.Stat(m.config.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "checking socket")
	}
	if info.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("path exists but is not a socket: %s", m.config.Path)
	}

	conn, err := net.DialTimeout("unix", m.config.Path, 100*time.Millisecond)
	if err == nil {
		conn.Close()
		return ErrDaemonRunning
	}
	if err := os.Remove(m.config.Path); err != nil {
		return errors.Wrap(err, "removing stale socket")
	}
	return nil
}

// Connect dials the daemon. ErrSocketNotFound means nothing is listening.
func Connect(path string) (net.Conn, error) {
	return ConnectContext(context.Background(), path)
}

// ConnectContext is Connect bounded by ctx.
func ConnectContext(ctx context.Context, path string) (net.Conn, error) {
	if path == "" {
		path = DefaultSocketPath(DefaultName)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if os.IsNotExist(err) || isErrno(err, unix.ECONNREFUSED) || isErrno(err, unix.ENOENT) {
			return nil, ErrSocketNotFound
		}
		return nil, errors.Wrap(err, "connecting to daemon")
	}
	return conn, nil
}

// IsRunning reports whether something answers on path.
func IsRunning(path string) bool {
	if path == "" {
		path = DefaultSocketPath(DefaultName)
	}
	conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func isProcessRunning(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// isDaemonProcess checks the command line of pid for name.
func isDaemonProcess(pid int, name string) bool {
	p, err := ps.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, name)
}

func isErrno(err error, errno unix.Errno) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, errno)
	}
	return false
}

// IsClosedError reports whether err comes from using a closed connection.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
