package process

import (
	"os/exec"
	"strings"
)

// Command describes how to launch one project script.
type Command struct {
	Shell      string   // defaults to DefaultShell
	ConfigType string   // project config flavour, e.g. "Makefile"
	ScriptName string   // declared script name
	Script     string   // declared command line
	Dir        string   // working directory
	Env        []string // full environment, KEY=VALUE
}

// Line returns the shell line executed for the script. Simple commands are
// prefixed with exec so the shell is replaced and the tracked pid is the
// program itself; compound lines keep the shell as the group leader.
func (c Command) Line() string {
	line := c.body()
	if line == "" || strings.HasPrefix(line, "exec ") || isCompound(line) {
		return line
	}
	return "exec " + line
}

// body is the declared command line; Makefile projects run make <script>.
func (c Command) body() string {
	if strings.EqualFold(c.ConfigType, "Makefile") && c.ScriptName != "" {
		return "make " + c.ScriptName
	}
	return strings.TrimSpace(c.Script)
}

// Build returns an *exec.Cmd that starts the script in its own process group.
func (c Command) Build() *exec.Cmd {
	shell := c.Shell
	if shell == "" {
		shell = DefaultShell
	}
	cmd := shellCommand(shell, c)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	configureSysProcAttr(cmd)
	return cmd
}

func isCompound(line string) bool {
	return strings.ContainsAny(line, ";&|\n") || strings.Contains(line, "$(") || strings.HasPrefix(line, "(")
}
