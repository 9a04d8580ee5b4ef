package supervisor

import (
	"github.com/topoface/node-supervisor/process"
)

// Origin tells how the supervisor came to hold a handle.
type Origin int

const (
	// OriginNone: no handle is held.
	OriginNone Origin = iota
	// OriginSpawned: the supervisor launched the process and holds its
	// directive channel.
	OriginSpawned
	// OriginAdopted: the process was discovered in the process table. There
	// is no directive channel.
	OriginAdopted
)

func (o Origin) String() string {
	switch o {
	case OriginSpawned:
		return "spawned"
	case OriginAdopted:
		return "adopted"
	default:
		return "none"
	}
}

// Handle is the supervisor's reference to the node process. Handles are
// immutable; the supervisor swaps them atomically.
type Handle struct {
	origin Origin
	pid    int
	proc   NodeProcess
}

func spawnedHandle(proc NodeProcess) *Handle {
	return &Handle{origin: OriginSpawned, pid: proc.PID(), proc: proc}
}

func adoptedHandle(d process.Descriptor) *Handle {
	return &Handle{origin: OriginAdopted, pid: d.PID}
}

// Origin returns how the handle was obtained. A nil handle has OriginNone.
func (h *Handle) Origin() Origin {
	if h == nil {
		return OriginNone
	}
	return h.origin
}

// PID returns the tracked process ID, or 0 for a nil handle.
func (h *Handle) PID() int {
	if h == nil {
		return 0
	}
	return h.pid
}

// SpawnID returns the spawn ID of a spawned handle, or "".
func (h *Handle) SpawnID() string {
	if h == nil || h.proc == nil {
		return ""
	}
	return h.proc.ID()
}

// Controllable reports whether stop can be sent over a directive channel:
// the handle was spawned and its process is still running.
func (h *Handle) Controllable() bool {
	return h != nil && h.origin == OriginSpawned && h.proc.Running()
}
