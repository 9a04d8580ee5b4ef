package process

import (
	"strings"

	"github.com/topoface/node-supervisor/protocol"
)

// Directive is a command sent to a launcher over its directive channel.
type Directive string

const (
	DirectiveStart Directive = protocol.VerbStart
	DirectiveStop  Directive = protocol.VerbStop
)

// CodeCommandError marks a launcher message reporting that the node command
// itself failed.
const CodeCommandError = "command_error"

// legacyCommandErrorPrefix is how launchers without event codes report a
// failed node command.
const legacyCommandErrorPrefix = "Command returned error: "

// Level is the severity a launcher attached to a diagnostic message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Message is a diagnostic message emitted by a launcher.
type Message struct {
	Level Level
	Code  string
	Text  string
}

// IsCommandError reports whether the message signals that the node command
// failed to execute.
func (m Message) IsCommandError() bool {
	if m.Code == CodeCommandError {
		return true
	}
	return strings.HasPrefix(m.Text, legacyCommandErrorPrefix)
}

// EventKind enumerates what a launcher can report.
type EventKind int

const (
	// EventMessage carries a diagnostic message.
	EventMessage EventKind = iota
	// EventError reports a failure of the process or its directive channel.
	EventError
	// EventExit is the last event of every process.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event of a spawned launcher. SpawnID identifies the
// process that produced it.
type Event struct {
	Kind     EventKind
	SpawnID  string
	Message  Message // EventMessage
	Err      error   // EventError
	ExitCode int     // EventExit; -1 when killed by a signal
}
