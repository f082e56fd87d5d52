//go:build !windows

package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandBuild(t *testing.T) {
	cmd := Command{Script: "echo hi", Dir: "/tmp", Env: []string{"A=1"}}.Build()
	assert.Equal(t, []string{DefaultShell, "-c", "exec echo hi"}, cmd.Args)
	assert.Equal(t, "/tmp", cmd.Dir)
	assert.Equal(t, []string{"A=1"}, cmd.Env)
	if assert.NotNil(t, cmd.SysProcAttr) {
		assert.True(t, cmd.SysProcAttr.Setpgid)
	}

	cmd = Command{Shell: "/bin/bash", Script: "true"}.Build()
	assert.Equal(t, "/bin/bash", cmd.Args[0])
}
