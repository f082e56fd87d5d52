package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devdock/pkg/client"
)

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are the persistent flags every client command shares.
type GlobalFlags struct {
	Server   string
	CACert   string
	Insecure bool
	Timeout  time.Duration
}

func buildRoot(c *command) *cobra.Command {
	root := &cobra.Command{
		Use:   "devdock",
		Short: "Local development project orchestrator",
		Long: `devdock supervises the dev servers of your local projects: it starts
and stops their scripts, captures their output, watches ports and health
and restores the last working session.

Examples:
  devdock serve --config devdock.toml   # start the daemon
  devdock projects                      # list projects and their status
  devdock start web --script dev
  devdock logs web -f
  devdock session restore`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.Server, "server", client.DefaultBaseURL, "daemon API base URL")
	pf.StringVar(&c.flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	pf.BoolVar(&c.flags.Insecure, "insecure", false, "skip TLS verification")
	pf.DurationVar(&c.flags.Timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		createServeCommand(),
		createProjectsCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStopAllCommand(c),
		createLogsCommand(c),
		createPortsCommand(c),
		createNoteCommand(c),
		createEndpointCommand(c),
		createEnvCommand(c),
		createSessionCommand(c),
		createGroupsCommand(c),
		createSettingsCommand(c),
		createTemplateCommand(c),
	)
	return root
}
