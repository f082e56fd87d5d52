package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// Exit summarises how a process ended.
type Exit struct {
	Code     int            // -1 when terminated by a signal
	Signal   syscall.Signal // zero unless Signaled
	Signaled bool
}

// ExitOf decodes the result of cmd.Wait.
func ExitOf(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return Exit{Code: -1}
	}
	return decodeExit(ee)
}

// TerminatedBy reports whether the exit was caused by one of sigs, either
// directly or through the shell convention of exiting with 128+signal.
func (e Exit) TerminatedBy(sigs ...syscall.Signal) bool {
	for _, s := range sigs {
		if e.Signaled && e.Signal == s {
			return true
		}
		if !e.Signaled && e.Code == 128+int(s) {
			return true
		}
	}
	return false
}
