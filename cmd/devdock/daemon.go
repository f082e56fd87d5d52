package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// daemonize re-executes the binary detached from the terminal and exits
// the parent.
func daemonize(pidFile, logFile string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, childArgs(os.Args[1:])...) // #nosec G204
	configureDaemonAttrs(cmd)
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil { // #nosec G306
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	fmt.Printf("devdock daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// childArgs drops the daemon-only flags so the child runs in the foreground.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		switch a {
		case "--daemonize", "--daemonize=true":
			continue
		case "--pidfile", "--logfile":
			skip = true
			continue
		}
		if hasFlagValue(a, "--pidfile") || hasFlagValue(a, "--logfile") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasFlagValue(arg, flag string) bool {
	return len(arg) > len(flag) && arg[:len(flag)+1] == flag+"="
}
