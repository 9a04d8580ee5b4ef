package dns

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultInspectTimeout bounds the synchronous state query.
const DefaultInspectTimeout = 2 * time.Second

// RunFunc executes the DNS utility with the given arguments and returns its
// stdout. On failure the returned error should carry the utility's stderr.
type RunFunc func(ctx context.Context, path string, args ...string) ([]byte, error)

// Utility is a Coordinator backed by an external dns utility binary that
// understands the subcommands "subvert", "revert" and "inspect".
//
// The utility usually needs elevated privileges; Path may point at a wrapper
// that takes care of that.
type Utility struct {
	Path           string
	InspectTimeout time.Duration

	run RunFunc
}

var _ Coordinator = (*Utility)(nil)

// NewUtility creates a Utility coordinator for the binary at path.
func NewUtility(path string) *Utility {
	return &Utility{
		Path:           path,
		InspectTimeout: DefaultInspectTimeout,
		run:            runCommand,
	}
}

// WithRunner replaces the command runner. Used by tests.
func (u *Utility) WithRunner(run RunFunc) *Utility {
	u.run = run
	return u
}

// Subvert redirects DNS through the node.
func (u *Utility) Subvert(ctx context.Context) error {
	if _, err := u.run(ctx, u.Path, "subvert"); err != nil {
		return errors.Wrap(err, "subverting DNS")
	}
	return nil
}

// Revert restores the original DNS configuration.
func (u *Utility) Revert(ctx context.Context) error {
	if _, err := u.run(ctx, u.Path, "revert"); err != nil {
		return errors.Wrap(err, "reverting DNS")
	}
	return nil
}

// CurrentState runs "inspect" and reports Subverted when the first listed
// nameserver is a loopback address.
func (u *Utility) CurrentState() State {
	timeout := u.InspectTimeout
	if timeout <= 0 {
		timeout = DefaultInspectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := u.run(ctx, u.Path, "inspect")
	if err != nil {
		return Unknown
	}
	return ParseInspect(out)
}

// ParseInspect interprets the output of "inspect": one nameserver per line,
// in resolution order.
func ParseInspect(out []byte) State {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Tolerate resolv.conf style "nameserver 1.2.3.4" lines.
		if fields := strings.Fields(line); len(fields) == 2 && fields[0] == "nameserver" {
			line = fields[1]
		}
		ip := net.ParseIP(line)
		if ip == nil {
			return Unknown
		}
		if ip.IsLoopback() {
			return Subverted
		}
		return Reverted
	}
	return Unknown
}

func runCommand(ctx context.Context, path string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, errors.Wrapf(err, "%s %s", path, strings.Join(args, " "))
		}
		return nil, errors.New(msg)
	}
	return out, nil
}
