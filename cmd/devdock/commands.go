package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loykin/devdock/pkg/client"
)

// daemonClient is the part of the API client the commands use.
type daemonClient interface {
	IsReachable(ctx context.Context) bool
	Projects(ctx context.Context) ([]client.Project, error)
	Start(ctx context.Context, id, script string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id, script string) error
	StopAll(ctx context.Context) error
	Logs(ctx context.Context, id string) ([]client.LogEntry, error)
	FollowLogs(ctx context.Context, id string, fn func(client.LogEntry)) error
	Ports(ctx context.Context, scan bool) ([]client.PortRecord, error)
	SetNote(ctx context.Context, id, note string) error
	Env(ctx context.Context, id string) (map[string]string, error)
	CompareEnv(ctx context.Context, id1, id2 string) (map[string]client.EnvDiff, error)
	SetHealthEndpoint(ctx context.Context, id, endpoint string) error
	Session(ctx context.Context) (*client.Session, error)
	SaveSession(ctx context.Context) (client.Session, error)
	RestoreSession(ctx context.Context) (client.RestoreResult, error)
	ClearSession(ctx context.Context) error
	Groups(ctx context.Context) ([]client.Group, error)
	StartGroup(ctx context.Context, id, script string) ([]client.MemberResult, error)
	StopGroup(ctx context.Context, id string) ([]client.MemberResult, error)
	Settings(ctx context.Context) (client.Settings, error)
	UpdateSettings(ctx context.Context, patch client.Settings) (client.Settings, error)
}

type command struct {
	flags     *GlobalFlags
	out       io.Writer
	newClient func(GlobalFlags) (daemonClient, error)
}

func newCommand(out io.Writer) *command {
	return &command{flags: &GlobalFlags{}, out: out, newClient: dialDaemon}
}

func dialDaemon(f GlobalFlags) (daemonClient, error) {
	cfg := client.Config{BaseURL: f.Server, Timeout: f.Timeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// connect builds a client and makes sure the daemon answers.
func (c *command) connect(ctx context.Context) (daemonClient, error) {
	cl, err := c.newClient(*c.flags)
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'devdock serve'", c.flags.Server)
	}
	return cl, nil
}

// run wraps a client action as a cobra RunE.
func (c *command) run(fn func(ctx context.Context, cl daemonClient, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cl, err := c.connect(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, cl, args)
	}
}

func (c *command) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func createProjectsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "projects",
		Aliases: []string{"ls", "status"},
		Short:   "List projects with status, health, usage and ports",
		Args:    cobra.NoArgs,
		RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
			ps, err := cl.Projects(ctx)
			if err != nil {
				return err
			}
			return c.printProjects(ps)
		}),
	}
}

func (c *command) printProjects(ps []client.Project) error {
	w := c.table()
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSCRIPT\tPID\tHEALTH\tCPU\tMEM\tPORTS")
	for _, p := range ps {
		cpu, mem := "-", "-"
		if p.Usage != nil {
			cpu = fmt.Sprintf("%.1f%%", p.Usage.CPUPercent)
			mem = humanize.IBytes(p.Usage.MemoryBytes)
		}
		pid := "-"
		if p.PID > 0 {
			pid = fmt.Sprint(p.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Status, dash(p.ActiveScript), pid, p.Health, cpu, mem, joinPorts(p.Ports))
	}
	return w.Flush()
}

func createStartCommand(c *command) *cobra.Command {
	var script string
	cmd := &cobra.Command{
		Use:   "start <project>",
		Short: "Start a project script (the first declared script by default)",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			if err := cl.Start(ctx, args[0], script); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Started %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVarP(&script, "script", "s", "", "script name")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project>",
		Short: "Stop a running project",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			if err := cl.Stop(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Stopped %s\n", args[0])
			return nil
		}),
	}
}

func createRestartCommand(c *command) *cobra.Command {
	var script string
	cmd := &cobra.Command{
		Use:   "restart <project>",
		Short: "Restart a project, keeping its active script unless --script is given",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			if err := cl.Restart(ctx, args[0], script); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Restarted %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVarP(&script, "script", "s", "", "script name")
	return cmd
}

func createStopAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running project",
		Args:  cobra.NoArgs,
		RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
			if err := cl.StopAll(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "All projects stopped")
			return nil
		}),
	}
}

func createLogsCommand(c *command) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <project>",
		Short: "Print the buffered output of a project",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			show := func(e client.LogEntry) {
				_, _ = fmt.Fprintf(c.out, "%s %s %s\n", e.Timestamp.Local().Format("15:04:05"), streamTag(e.Stream), e.Text)
			}
			if !follow {
				entries, err := cl.Logs(ctx, args[0])
				if err != nil {
					return err
				}
				for _, e := range entries {
					show(e)
				}
				return nil
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := cl.FollowLogs(ctx, args[0], show)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines until interrupted")
	return cmd
}

func createPortsCommand(c *command) *cobra.Command {
	var scan bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List listening ports and the projects owning them",
		Args:  cobra.NoArgs,
		RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
			recs, err := cl.Ports(ctx, scan)
			if err != nil {
				return err
			}
			w := c.table()
			_, _ = fmt.Fprintln(w, "PORT\tPROTO\tPID\tPROCESS\tPROJECT\tCONFLICT")
			for _, r := range recs {
				conflict := ""
				if r.Conflict {
					conflict = "yes"
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", r.Port, r.Protocol, r.PID, r.ProcessName, dash(r.ProjectID), conflict)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&scan, "scan", false, "rescan before listing")
	return cmd
}

func createNoteCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "note <project> [text]",
		Short: "Attach a note to a project; no text removes it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			return cl.SetNote(ctx, args[0], text)
		}),
	}
}

func createEnvCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "env <project> [other-project]",
		Short: "Show the dotenv variables of a project, or compare two projects",
		Args:  cobra.RangeArgs(1, 2),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			w := c.table()
			if len(args) == 1 {
				vars, err := cl.Env(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, "KEY\tVALUE")
				for _, k := range slices.Sorted(maps.Keys(vars)) {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", k, vars[k])
				}
				return w.Flush()
			}
			diff, err := cl.CompareEnv(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "KEY\t%s\t%s\tMATCH\n", strings.ToUpper(args[0]), strings.ToUpper(args[1]))
			for _, k := range slices.Sorted(maps.Keys(diff)) {
				d := diff[k]
				match := "no"
				if d.Match {
					match = "yes"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k, envValue(d.Project1), envValue(d.Project2), match)
			}
			return w.Flush()
		}),
	}
}

func createEndpointCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint <project> [url]",
		Short: "Override the health endpoint of a project; no url clears the override",
		Args:  cobra.RangeArgs(1, 2),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			url := ""
			if len(args) == 2 {
				url = args[1]
			}
			return cl.SetHealthEndpoint(ctx, args[0], url)
		}),
	}
}

func createSessionCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect, save or restore the running session",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the last recorded session",
			Args:  cobra.NoArgs,
			RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
				s, err := cl.Session(ctx)
				if err != nil {
					return err
				}
				if s == nil {
					_, _ = fmt.Fprintln(c.out, "No session recorded")
					return nil
				}
				c.printSession(*s)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "save",
			Short: "Record the currently running projects",
			Args:  cobra.NoArgs,
			RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
				s, err := cl.SaveSession(ctx)
				if err != nil {
					return err
				}
				c.printSession(s)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Start every project of the last session",
			Args:  cobra.NoArgs,
			RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
				res, err := cl.RestoreSession(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.out, "Restored %d/%d\n", res.Restored, res.Total)
				for _, e := range res.Errors {
					_, _ = fmt.Fprintf(c.out, "  %s (%s): %s\n", e.ProjectID, e.ScriptName, e.Error)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget the recorded session",
			Args:  cobra.NoArgs,
			RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
				return cl.ClearSession(ctx)
			}),
		},
	)
	return cmd
}

func (c *command) printSession(s client.Session) {
	_, _ = fmt.Fprintf(c.out, "Session of %s (%s)\n", s.Timestamp.Local().Format(time.DateTime), humanize.Time(s.Timestamp))
	for _, e := range s.Projects {
		_, _ = fmt.Fprintf(c.out, "  %s: %s\n", e.ProjectID, e.ScriptName)
	}
}

func createGroupsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List, start and stop project groups",
	}
	var script string
	start := &cobra.Command{
		Use:   "start <group-id>",
		Short: "Start every member of a group",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
			res, err := cl.StartGroup(ctx, args[0], script)
			if err != nil {
				return err
			}
			return c.printMembers(res)
		}),
	}
	start.Flags().StringVarP(&script, "script", "s", "", "script to run in every member")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List groups",
			Args:  cobra.NoArgs,
			RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
				gs, err := cl.Groups(ctx)
				if err != nil {
					return err
				}
				w := c.table()
				_, _ = fmt.Fprintln(w, "ID\tNAME\tPROJECTS")
				for _, g := range gs {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", g.ID, g.Name, strings.Join(g.ProjectIDs, ","))
				}
				return w.Flush()
			}),
		},
		start,
		&cobra.Command{
			Use:   "stop <group-id>",
			Short: "Stop every member of a group",
			Args:  cobra.ExactArgs(1),
			RunE: c.run(func(ctx context.Context, cl daemonClient, args []string) error {
				res, err := cl.StopGroup(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printMembers(res)
			}),
		},
	)
	return cmd
}

func (c *command) printMembers(res []client.MemberResult) error {
	w := c.table()
	for _, r := range res {
		status := "ok"
		if !r.OK {
			status = r.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r.ProjectID, status)
	}
	return w.Flush()
}

func createSettingsCommand(c *command) *cobra.Command {
	var healthEvery, resourceEvery, portsEvery time.Duration
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the monitoring intervals",
		Args:  cobra.NoArgs,
		RunE: c.run(func(ctx context.Context, cl daemonClient, _ []string) error {
			var (
				s   client.Settings
				err error
			)
			patch := client.Settings{
				HealthCheckInterval:     healthEvery.Milliseconds(),
				ResourceMonitorInterval: resourceEvery.Milliseconds(),
				PortScanInterval:        portsEvery.Milliseconds(),
			}
			if patch == (client.Settings{}) {
				s, err = cl.Settings(ctx)
			} else {
				s, err = cl.UpdateSettings(ctx, patch)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "health:   %s\nresource: %s\nports:    %s\n",
				msDuration(s.HealthCheckInterval), msDuration(s.ResourceMonitorInterval), msDuration(s.PortScanInterval))
			return nil
		}),
	}
	cmd.Flags().DurationVar(&healthEvery, "health-interval", 0, "health check interval")
	cmd.Flags().DurationVar(&resourceEvery, "resource-interval", 0, "resource sampling interval")
	cmd.Flags().DurationVar(&portsEvery, "port-interval", 0, "port scan interval")
	return cmd
}
