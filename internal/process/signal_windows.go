//go:build windows

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a live process.
const stillActive = 259

// SignalGroup asks the console process group led by pid to stop with a
// CTRL_BREAK event. Windows has no other signals; SIGKILL terminates pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return windows.ERROR_INVALID_PARAMETER
	}
	if sig == syscall.SIGKILL {
		return terminate(pid)
	}
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid)); err != nil {
		return terminate(pid)
	}
	return nil
}

// Alive reports whether pid exists and has not exited.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// IsGroupLeader is always false: Windows process groups are not visible in
// the process table, so trees fall back to the parent-pid walk.
func IsGroupLeader(int) bool { return false }

// KillTree terminates pid and every descendant found by a parent-pid walk.
func KillTree(t Table, pid int, depth int) error {
	var errs []error
	for _, d := range t.Descendants(pid, depth) {
		if err := terminate(d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := terminate(pid); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// KillGroup is a no-op: once the leader is reaped a Windows group can no
// longer be addressed, and its pid may already be reused.
func KillGroup(int, syscall.Signal) error { return nil }

// groupOf is unknown on Windows.
func groupOf(int) int { return 0 }

// terminate ends pid with the 128+SIGKILL exit code so the exit reads as a
// forced kill. A process that is already gone is not an error.
func terminate(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return err
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.TerminateProcess(h, 128+uint32(syscall.SIGKILL)); err != nil && !errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return err
	}
	return nil
}
