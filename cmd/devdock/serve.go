package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devdock"
	"github.com/loykin/devdock/internal/config"
	"github.com/loykin/devdock/internal/logger"
	"github.com/loykin/devdock/internal/server"
	dtls "github.com/loykin/devdock/internal/tls"
)

// ServeFlags configures the daemon command.
type ServeFlags struct {
	ConfigPath string
	Listen     string
	Restore    bool
	Watch      bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

func createServeCommand() *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the devdock daemon",
		Long: `Run the daemon: supervise the configured projects and expose the HTTP
and websocket API.

Examples:
  devdock serve                         # defaults, no projects
  devdock serve devdock.toml --restore  # restart the last session on boot
  devdock serve --config devdock.toml --daemonize --pidfile devdock.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.ConfigPath = args[0]
			}
			if f.Daemonize {
				return daemonize(f.PidFile, f.LogFile)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *f)
		},
	}
	cmd.Flags().StringVar(&f.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&f.Restore, "restore", false, "restore the last session after start")
	cmd.Flags().BoolVar(&f.Watch, "watch", true, "reload projects and intervals when the config file changes")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

// runServe blocks until ctx is cancelled, then shuts everything down.
func runServe(ctx context.Context, f ServeFlags) error {
	cfg, err := devdock.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	log, closer := logger.New(cfg.Log, os.Stderr)
	defer func() { _ = closer.Close() }()

	tlsConf, err := dtls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	o, err := devdock.New(ctx, cfg, devdock.WithLogger(log))
	if err != nil {
		return err
	}
	o.StartMonitors(ctx)

	if f.Restore {
		res, err := o.RestoreSession(ctx)
		if err != nil {
			log.Warn("session restore failed", "err", err)
		} else if res.Total > 0 {
			log.Info("session restored", "restored", res.Restored, "total", res.Total)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		go func() {
			if err := devdock.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if f.Watch && f.ConfigPath != "" {
		if err := config.Watch(f.ConfigPath, log, reloader(ctx, o, log)); err != nil {
			log.Warn("config watch disabled", "err", err)
		}
	}

	srv := server.NewServer(cfg.Server.Listen, o.Router(cfg.Server.BasePath), tlsConf)
	scheme := "http"
	if tlsConf != nil {
		scheme = "https"
	}
	log.Info("devdock listening", "url", fmt.Sprintf("%s://%s%s", scheme, cfg.Server.Listen, cfg.Server.BasePath))

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GracePeriod+10*time.Second)
	defer cancel()
	return errors.Join(srv.Shutdown(sctx), o.Shutdown(sctx))
}

// reloader applies a changed config file: intervals always, the project
// catalog when it is still valid.
func reloader(ctx context.Context, o *devdock.Orchestrator, log *slog.Logger) func(*config.Config) {
	return func(c *config.Config) {
		o.ApplyMonitor(ctx, c.Monitor)
		if err := o.ReplaceProjects(c.ProjectList()); err != nil {
			log.Warn("project reload rejected", "err", err)
		}
	}
}
