//go:build unix

package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/topoface/node-supervisor/socket"
)

// AutoStartConfig configures EnsureDaemonRunning.
type AutoStartConfig struct {
	// SocketPath is the daemon socket.
	SocketPath string
	// DaemonPath is the daemon executable. Empty means "nodesupd" next to
	// the current executable, then on PATH.
	DaemonPath string
	// DaemonArgs replaces the default arguments ["--socket", SocketPath].
	DaemonArgs []string
	// StartTimeout bounds the wait for the socket to accept connections.
	StartTimeout time.Duration
	// RetryInterval is the delay between connection attempts.
	RetryInterval time.Duration
}

// DefaultAutoStartConfig returns defaults for the daemon at socketPath.
func DefaultAutoStartConfig(socketPath string) AutoStartConfig {
	if socketPath == "" {
		socketPath = socket.DefaultSocketPath(socket.DefaultName)
	}
	return AutoStartConfig{
		SocketPath:    socketPath,
		StartTimeout:  5 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// staleLockAge is how old a startup lock may get before it is broken.
const staleLockAge = 30 * time.Second

// EnsureDaemonRunning returns a connected Conn, starting the daemon first
// when nothing listens on the socket.
func EnsureDaemonRunning(ctx context.Context, config AutoStartConfig) (*Conn, error) {
	conn := NewConn(WithSocketPath(config.SocketPath))
	err := conn.EnsureConnected(ctx)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, socket.ErrSocketNotFound) {
		return nil, err
	}

	if err := startDaemon(config); err != nil {
		return nil, errors.Wrap(err, "starting daemon")
	}
	if err := waitForDaemon(ctx, conn, config); err != nil {
		return nil, err
	}
	return conn, nil
}

// startDaemon launches the daemon in its own process group. Only one caller
// at a time starts it; the others fall through to waiting.
func startDaemon(config AutoStartConfig) error {
	lockPath := config.SocketPath + ".startup.lock"
	lock, err := acquireStartupLock(lockPath)
	if err != nil {
		return nil
	}
	defer releaseStartupLock(lock, lockPath)

	if socket.IsRunning(config.SocketPath) {
		return nil
	}

	path, err := daemonPath(config.DaemonPath)
	if err != nil {
		return err
	}
	args := config.DaemonArgs
	if len(args) == 0 {
		args = []string{"--socket", config.SocketPath}
	}

	cmd := exec.Command(path, args...)
	// Signals sent to the caller's group must not reach the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "launching %s", path)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}

func daemonPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), socket.DefaultName)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(socket.DefaultName)
	return path, errors.Wrap(err, "locating daemon executable")
}

func acquireStartupLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		return f, nil
	}
	if !os.IsExist(err) {
		return nil, err
	}
	if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
		_ = os.Remove(lockPath)
		return acquireStartupLock(lockPath)
	}
	return nil, errors.New("startup lock held by another process")
}

func releaseStartupLock(f *os.File, lockPath string) {
	f.Close()
	os.Remove(lockPath)
}

func waitForDaemon(ctx context.Context, conn *Conn, config AutoStartConfig) error {
	ctx, cancel := context.WithTimeout(ctx, config.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Errorf("daemon did not start within %s", config.StartTimeout)
		case <-ticker.C:
			err := conn.EnsureConnected(ctx)
			if err == nil {
				return nil
			}
			if !errors.Is(err, socket.ErrSocketNotFound) {
				return err
			}
		}
	}
}

// StopDaemon asks a running daemon to shut down. A daemon that is not
// running is not an error.
func StopDaemon(ctx context.Context, socketPath string) error {
	conn := NewConn(WithSocketPath(socketPath))
	defer conn.Close()
	if err := conn.EnsureConnected(ctx); err != nil {
		if errors.Is(err, socket.ErrSocketNotFound) {
			return nil
		}
		return err
	}
	return conn.Shutdown(ctx)
}
