package process

import (
	"bytes"
	"encoding/json"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/topoface/node-supervisor/protocol"
)

// ProcessState represents the lifecycle state of a launcher process.
type ProcessState uint32

const (
	StatePending ProcessState = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns a human-readable state name.
func (s ProcessState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// eventBuffer sizes the per-process event channel. Consumers must drain
// Events until it is closed or the launcher stalls on stdout.
const eventBuffer = 32

// LaunchConfig describes how to start the node launcher.
type LaunchConfig struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE, added to the daemon's environment
	Dir     string
}

// ManagedProcess is a launcher spawned by the Manager. It owns the directive
// channel: directives go to the launcher's stdin and EVENT frames come back
// on its stdout.
type ManagedProcess struct {
	id     string
	config LaunchConfig

	state    atomic.Uint32
	pid      atomic.Int32
	exitCode atomic.Int32

	startTime atomic.Pointer[time.Time]
	endTime   atomic.Pointer[time.Time]

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *protocol.Writer
	stdout *io.PipeReader

	gracefulTimeout time.Duration
	logger          *zap.SugaredLogger

	events chan Event
	done   chan struct{}
}

func newManagedProcess(id string, cfg LaunchConfig, graceful time.Duration, logger *zap.SugaredLogger) *ManagedProcess {
	p := &ManagedProcess{
		id:              id,
		config:          cfg,
		gracefulTimeout: graceful,
		logger:          logger.With("spawn_id", id),
		events:          make(chan Event, eventBuffer),
		done:            make(chan struct{}),
	}
	p.state.Store(uint32(StatePending))
	p.pid.Store(-1)
	p.exitCode.Store(-1)
	return p
}

// ID returns the spawn identifier.
func (p *ManagedProcess) ID() string { return p.id }

// Config returns the launch configuration.
func (p *ManagedProcess) Config() LaunchConfig { return p.config }

// State returns the current process state.
func (p *ManagedProcess) State() ProcessState {
	return ProcessState(p.state.Load())
}

func (p *ManagedProcess) setState(s ProcessState) {
	p.state.Store(uint32(s))
}

// PID returns the OS process ID, or -1 if not started.
func (p *ManagedProcess) PID() int {
	return int(p.pid.Load())
}

// ExitCode returns the exit code, or -1 if not finished.
func (p *ManagedProcess) ExitCode() int {
	return int(p.exitCode.Load())
}

// StartTime returns when the process was started, or nil.
func (p *ManagedProcess) StartTime() *time.Time {
	return p.startTime.Load()
}

// Runtime returns how long the process has been running (or ran).
func (p *ManagedProcess) Runtime() time.Duration {
	start := p.startTime.Load()
	if start == nil {
		return 0
	}
	if end := p.endTime.Load(); end != nil {
		return end.Sub(*start)
	}
	return time.Since(*start)
}

// Running reports whether the process is alive and accepts directives.
func (p *ManagedProcess) Running() bool {
	s := p.State()
	return s == StateRunning || s == StateStopping
}

// Done is closed once the process has exited.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Events returns the lifecycle event stream. It ends with an EventExit and
// is then closed.
func (p *ManagedProcess) Events() <-chan Event {
	return p.events
}

// Send writes a directive to the launcher.
func (p *ManagedProcess) Send(d Directive) error {
	if !p.Running() {
		return errors.Wrapf(ErrNotRunning, "sending %s to %s", d, p.id)
	}
	if err := p.writer.WriteCommand(string(d), "", nil, nil); err != nil {
		return errors.Wrapf(err, "sending %s to %s", d, p.id)
	}
	return nil
}

// readEvents parses EVENT frames from the launcher's stdout until EOF.
func (p *ManagedProcess) readEvents() {
	parser := protocol.NewParser(p.stdout)
	for {
		cmd, err := parser.ParseCommand()
		switch {
		case err == nil:
		case err == io.EOF || err == io.ErrClosedPipe:
			return
		case errors.Is(err, protocol.ErrTruncated):
			p.emit(Event{Kind: EventError, Err: errors.Wrap(err, "reading directive channel")})
			return
		default:
			// The bad frame has been consumed; carry on with the next one.
			p.logger.Debugw("ignoring launcher output", "error", err)
			continue
		}
		if cmd.Verb != protocol.VerbEvent {
			p.logger.Debugw("ignoring launcher command", "verb", cmd.Verb)
			continue
		}
		p.emit(Event{Kind: EventMessage, Message: decodeMessage(cmd)})
	}
}

func decodeMessage(cmd *protocol.Command) Message {
	msg := Message{Level: LevelInfo}
	if cmd.SubVerb == protocol.SubVerbError {
		msg.Level = LevelError
	}
	var payload protocol.EventPayload
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			payload.Text = string(cmd.Data)
		}
	}
	msg.Code = payload.Code
	msg.Text = payload.Text
	return msg
}

func (p *ManagedProcess) emit(ev Event) {
	ev.SpawnID = p.id
	p.events <- ev
}

// lineLogger forwards launcher stderr to the logger one line at a time.
type lineLogger struct {
	logger *zap.SugaredLogger
	buf    []byte
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := string(l.buf[:i]); line != "" {
			l.logger.Debugw("launcher stderr", "line", line)
		}
		l.buf = l.buf[i+1:]
	}
	return len(b), nil
}

func (l *lineLogger) flush() {
	if len(l.buf) > 0 {
		l.logger.Debugw("launcher stderr", "line", string(l.buf))
		l.buf = nil
	}
}

