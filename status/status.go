// Package status derives the node's consolidated status from the observed
// process table and DNS redirection state.
package status

import (
	"fmt"
	"strings"

	"github.com/topoface/node-supervisor/dns"
)

// Status is the consolidated node status reported to the UI.
type Status string

const (
	// Off: no node process, DNS untouched.
	Off Status = "Off"
	// Serving: node running, DNS untouched.
	Serving Status = "Serving"
	// Consuming: node running, DNS redirected through it.
	Consuming Status = "Consuming"
	// Invalid: DNS redirected but no node to answer it.
	Invalid Status = "Invalid"
)

// All lists every status.
var All = []Status{Off, Serving, Consuming, Invalid}

// Running reports whether the status implies a live node process.
func (s Status) Running() bool {
	return s == Serving || s == Consuming
}

func (s Status) String() string { return string(s) }

// Parse converts a case-insensitive status name.
func Parse(s string) (Status, error) {
	for _, st := range All {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Determine maps the observed inputs to a Status. Only the emptiness of
// procs matters; an Unknown DNS state counts as not subverted.
func Determine[P any](procs []P, state dns.State) Status {
	running := len(procs) > 0
	subverted := state == dns.Subverted

	switch {
	case running && subverted:
		return Consuming
	case running:
		return Serving
	case subverted:
		return Invalid
	default:
		return Off
	}
}
