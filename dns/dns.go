// Package dns coordinates OS-level DNS subversion: routing the host's name
// resolution through the local node, and putting it back afterwards.
package dns

import "context"

// State is the observed redirection state of the host resolver.
type State int

const (
	// Unknown means the state could not be determined. It is treated as
	// not subverted.
	Unknown State = iota
	// Reverted means the host resolves names through its original servers.
	Reverted
	// Subverted means DNS traffic is redirected through the node.
	Subverted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Reverted:
		return "reverted"
	case Subverted:
		return "subverted"
	default:
		return "unknown"
	}
}

// Coordinator toggles and inspects DNS subversion.
//
// Subvert and Revert may block for as long as the underlying mechanism
// takes; callers that need a bound must put one on ctx. CurrentState never
// fails: anything it cannot determine is reported as Unknown.
type Coordinator interface {
	Subvert(ctx context.Context) error
	Revert(ctx context.Context) error
	CurrentState() State
}
