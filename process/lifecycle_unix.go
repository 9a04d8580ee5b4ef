//go:build unix

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the launcher in its own process group so it does not
// receive the daemon's terminal signals and can be signalled as a unit.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup signals the process group led by pid. It falls back to the
// single process when pid is not a group leader or shares the daemon's group.
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err == nil && pgid == pid && pgid != unix.Getpgrp() {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}

// signalPGID signals a recorded process group, or the process itself when no
// group was recorded.
func signalPGID(pid, pgid int, sig syscall.Signal) error {
	if pgid > 0 && pgid != unix.Getpgrp() {
		if err := unix.Kill(-pgid, sig); err == nil {
			return nil
		}
	}
	return unix.Kill(pid, sig)
}

func isProcessAlive(pid int) bool {
	return pid > 0 && unix.Kill(pid, 0) == nil
}

func isNoSuchProcess(err error) bool {
	return err == unix.ESRCH
}

func processGroupID(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}
