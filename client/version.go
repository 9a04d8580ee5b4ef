package client

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DevVersion is reported by builds without a release version. It is
// compatible with every other version.
const DevVersion = "dev"

// ErrVersionMismatch is returned by CheckVersion when the daemon runs a
// different release than the client.
var ErrVersionMismatch = errors.New("version mismatch")

// ParseVersion parses "X.Y.Z" with an optional "v" prefix. Pre-release and
// build suffixes on the patch number are ignored.
func ParseVersion(v string) (major, minor, patch int, err error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return 0, 0, 0, errors.Errorf("invalid version %q: expected X.Y.Z", v)
	}
	if i := strings.IndexAny(parts[2], "-+"); i >= 0 {
		parts[2] = parts[2][:i]
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, errors.Errorf("invalid version %q: bad component %q", v, p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer
// than b.
func CompareVersions(a, b string) (int, error) {
	aMaj, aMin, aPatch, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	bMaj, bMin, bPatch, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	for _, d := range [...]int{aMaj - bMaj, aMin - bMin, aPatch - bPatch} {
		switch {
		case d < 0:
			return -1, nil
		case d > 0:
			return 1, nil
		}
	}
	return 0, nil
}

// VersionsMatch reports whether a and b name the same release. DevVersion
// matches anything; unparsable versions match nothing.
func VersionsMatch(a, b string) bool {
	if a == DevVersion || b == DevVersion {
		return true
	}
	cmp, err := CompareVersions(a, b)
	return err == nil && cmp == 0
}

// CheckVersion compares the daemon's version with clientVersion. On a
// mismatch it asks the daemon to shut down when restart is set, so the next
// autostart launches the matching binary.
func CheckVersion(ctx context.Context, conn *Conn, clientVersion string, restart bool) error {
	info, err := conn.Info(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching daemon version")
	}
	if VersionsMatch(clientVersion, info.Version) {
		return nil
	}
	if restart {
		_ = conn.Shutdown(ctx)
	}
	return errors.Wrapf(ErrVersionMismatch, "client %s, daemon %s", clientVersion, info.Version)
}
