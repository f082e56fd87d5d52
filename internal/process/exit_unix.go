//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

func decodeExit(ee *exec.ExitError) Exit {
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{Code: -1, Signal: ws.Signal(), Signaled: true}
	}
	return Exit{Code: ee.ExitCode()}
}
