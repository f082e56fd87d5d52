//go:build !windows

package process

import "os/exec"

// DefaultShell runs project scripts.
const DefaultShell = "/bin/sh"

func shellCommand(shell string, c Command) *exec.Cmd {
	// #nosec G204 -- running user-declared project scripts is the purpose.
	return exec.Command(shell, "-c", c.Line())
}
