//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// statusControlCExit is the exit status of a console process ended by a
// CTRL_BREAK or CTRL_C event.
const statusControlCExit = 0xC000013A

func decodeExit(ee *exec.ExitError) Exit {
	if uint32(ee.ExitCode()) == statusControlCExit {
		return Exit{Code: -1, Signal: syscall.SIGINT, Signaled: true}
	}
	return Exit{Code: ee.ExitCode()}
}
