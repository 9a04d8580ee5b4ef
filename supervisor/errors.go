package supervisor

import (
	"github.com/pkg/errors"
)

// Kind classifies supervisor failures.
type Kind int

const (
	// KindExternalProcess: spawning or signalling the node failed.
	KindExternalProcess Kind = iota + 1
	// KindControlChannel: connecting to or talking to the node's gateway failed.
	KindControlChannel
	// KindDNSCoordination: subverting or reverting DNS failed.
	KindDNSCoordination
	// KindTimeout: a start or stop confirmation window elapsed.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindExternalProcess:
		return "external process"
	case KindControlChannel:
		return "control channel"
	case KindDNSCoordination:
		return "dns coordination"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrTimeout matches every KindTimeout error under errors.Is.
var ErrTimeout = errors.New("timeout exceeded")

// ErrShuttingDown is returned for start and stop requests made after
// Shutdown began.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Error is a classified supervisor failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) true for timeouts.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Kind == KindTimeout
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
