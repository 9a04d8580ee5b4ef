//go:build unix

package process

import "golang.org/x/sys/unix"

// killTrackedProcess kills a recorded launcher and its process group.
func killTrackedProcess(pid, pgid int) {
	_ = signalPGID(pid, pgid, unix.SIGKILL)
}
