package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/topoface/node-supervisor/protocol"
)

// start launches the process and its reader goroutines. The launcher is not
// tied to ctx: once started it outlives the call that spawned it.
func (m *Manager) start(ctx context.Context, p *ManagedProcess) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := p.config
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.WaitDelay = m.config.WaitDelay
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "creating directive pipe")
	}

	pr, pw := io.Pipe()
	stderr := &lineLogger{logger: p.logger}
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		pw.Close()
		p.setState(StateFailed)
		return errors.Wrapf(err, "starting %s", cfg.Command)
	}

	now := time.Now()
	p.cmd = cmd
	p.stdin = stdin
	p.writer = protocol.NewWriter(stdin)
	p.stdout = pr
	p.startTime.Store(&now)
	p.pid.Store(int32(cmd.Process.Pid))
	p.setState(StateRunning)

	if m.tracker != nil {
		if err := m.tracker.Add(p.id, p.PID(), processGroupID(p.PID())); err != nil {
			p.logger.Warnw("failed to record spawn", "error", err)
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.readEvents()
	}()

	m.wg.Add(1)
	go m.wait(p, pw, readDone, stderr)

	return nil
}

// wait reaps the process and finishes its event stream.
func (m *Manager) wait(p *ManagedProcess, pw *io.PipeWriter, readDone <-chan struct{}, stderr *lineLogger) {
	defer m.wg.Done()

	err := p.cmd.Wait()
	pw.Close()
	<-readDone
	stderr.flush()
	p.stdin.Close()

	now := time.Now()
	p.endTime.Store(&now)

	code := 0
	var waitErr error
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			if !errors.Is(err, exec.ErrWaitDelay) {
				waitErr = err
			}
		}
	}
	p.exitCode.Store(int32(code))
	if code == 0 {
		p.setState(StateStopped)
	} else {
		p.setState(StateFailed)
	}

	if m.tracker != nil {
		if err := m.tracker.Remove(p.id); err != nil {
			p.logger.Warnw("failed to remove spawn record", "error", err)
		}
	}
	m.processes.Delete(p.id)
	close(p.done)

	p.logger.Infow("launcher exited", "pid", p.PID(), "exit_code", code, "runtime", p.Runtime())

	if waitErr != nil {
		p.emit(Event{Kind: EventError, Err: errors.Wrap(waitErr, "waiting for launcher")})
	}
	p.emit(Event{Kind: EventExit, ExitCode: code})
	close(p.events)
}

// Terminate sends SIGTERM to the launcher's process group and escalates to
// SIGKILL if it is still alive after the graceful timeout. It does not wait.
func (p *ManagedProcess) Terminate() error {
	if !p.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopping)) {
		return nil
	}

	pid := p.PID()
	if err := signalGroup(pid, unix.SIGTERM); err != nil && !isNoSuchProcess(err) {
		return errors.Wrapf(err, "terminating launcher %d", pid)
	}

	graceful := p.gracefulTimeout
	if graceful <= 0 {
		graceful = DefaultGracefulTimeout
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(graceful):
			p.logger.Warnw("launcher ignored SIGTERM, killing", "pid", pid)
			_ = signalGroup(pid, unix.SIGKILL)
		}
	}()
	return nil
}
