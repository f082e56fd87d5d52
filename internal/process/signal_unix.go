//go:build !windows

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalGroup delivers sig to the process group led by pid, falling back to
// the single process when the group cannot be signalled.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	} else if errors.Is(err, unix.ESRCH) {
		// the group is gone; the leader may still exist outside it
		if perr := unix.Kill(pid, sig); perr != nil && !errors.Is(perr, unix.ESRCH) {
			return perr
		}
		return nil
	}
	return unix.Kill(pid, sig)
}

// Alive reports whether pid exists (zombies included).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsGroupLeader reports whether pid leads its own process group.
func IsGroupLeader(pid int) bool {
	return groupOf(pid) == pid
}

// groupOf returns the process group of pid, or 0 when it cannot be read.
func groupOf(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// KillTree force-kills the group led by pid and every descendant found by a
// parent-pid walk, which reaches children that moved to other groups.
// Missing processes are not an error.
func KillTree(t Table, pid int, depth int) error {
	var errs []error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, err)
	}
	for _, d := range t.Descendants(pid, depth) {
		if err := unix.Kill(d, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, err)
		}
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// KillGroup signals the process group pgid only. An empty group is not an
// error. Unlike SignalGroup it never falls back to a single pid, so it is safe
// to call after the leader has been reaped.
func KillGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
