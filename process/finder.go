package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	ps "github.com/shirou/gopsutil/v3/process"
)

// Signature identifies node processes in the OS process table.
type Signature struct {
	// Name is the executable name, compared against the process name and the
	// base name of argv[0].
	Name string
	// CmdlineContains, when set, must appear in the full command line. It is
	// usually the install path of the node binary.
	CmdlineContains string
}

// Descriptor is a process matched by a Finder.
type Descriptor struct {
	PID     int
	Name    string
	Cmdline string
}

// Finder lists OS processes matching a Signature.
type Finder struct {
	sig  Signature
	self int32
	list func(ctx context.Context) ([]*ps.Process, error)
}

// NewFinder creates a Finder for sig.
func NewFinder(sig Signature) *Finder {
	return &Finder{
		sig:  sig,
		self: int32(os.Getpid()),
		list: ps.ProcessesWithContext,
	}
}

// Signature returns the signature being matched.
func (f *Finder) Signature() Signature {
	return f.sig
}

// Find returns the matching processes. It never fails: processes that
// vanish or cannot be inspected are skipped, and a failed listing yields no
// matches.
func (f *Finder) Find(ctx context.Context) []Descriptor {
	procs, err := f.list(ctx)
	if err != nil {
		return nil
	}

	var found []Descriptor
	for _, p := range procs {
		if p.Pid == f.self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if !f.sig.Matches(name, cmdline) {
			continue
		}
		if isZombie(ctx, p) {
			continue
		}
		found = append(found, Descriptor{PID: int(p.Pid), Name: name, Cmdline: cmdline})
	}
	return found
}

// Matches reports whether a process with the given name and command line
// carries this signature.
func (s Signature) Matches(name, cmdline string) bool {
	if s.Name == "" {
		return false
	}
	if name != s.Name && argv0(cmdline) != s.Name {
		return false
	}
	return s.CmdlineContains == "" || strings.Contains(cmdline, s.CmdlineContains)
}

func argv0(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

func isZombie(ctx context.Context, p *ps.Process) bool {
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == ps.Zombie {
			return true
		}
	}
	return false
}
