//go:build windows

package process

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/windows"
)

func TestCommandBuild(t *testing.T) {
	cmd := Command{Script: "npm run dev", Dir: `C:\app`}.Build()
	assert.Equal(t, []string{DefaultShell, "/c", "npm run dev"}, cmd.Args)
	if assert.NotNil(t, cmd.SysProcAttr) {
		assert.Equal(t, uint32(windows.CREATE_NEW_PROCESS_GROUP), cmd.SysProcAttr.CreationFlags)
	}

	cmd = Command{ConfigType: "Makefile", ScriptName: "serve"}.Build()
	assert.Equal(t, "make serve", cmd.Args[2])
}

func TestTerminatedExitCodes(t *testing.T) {
	assert.True(t, Exit{Code: 128 + int(syscall.SIGKILL)}.TerminatedBy(syscall.SIGKILL))
	assert.False(t, Exit{Code: 1}.TerminatedBy(syscall.SIGKILL))
}
