package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deskcron/internal/api"
	"deskcron/internal/config"
	"deskcron/internal/logging"
	deskcronmcp "deskcron/internal/mcp"
)

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deskcrond",
		Short: "Desktop automation scheduler",
		Long: `deskcrond runs scheduled desktop automation tasks and records every run
in a searchable execution log. Tasks are managed over HTTP or MCP.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler with the HTTP API or MCP over stdio (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd)
			},
		},
		newBackupCmd(),
		newRestoreCmd(),
		newLogsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "deskcrond", version)
			},
		},
	)
	return root
}

// loadConfig reads the config and builds the logger. In stdio mode stdout
// carries MCP frames, so logs go to stderr.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	var out io.Writer = os.Stdout
	if cfg.Server.Mode == config.ModeStdio {
		out = os.Stderr
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Output: out,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func runServe(cmd *cobra.Command) error {
	cfg, logger, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	mcpServer := deskcronmcp.NewMCPServer(d.manager, d.scheduler, d.logs, logger.With("component", "mcp"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.settings.Watch(gctx) })

	switch cfg.Server.Mode {
	case config.ModeStdio:
		g.Go(func() error {
			defer stop()
			return mcpServer.ServeStdio(gctx, os.Stdin, os.Stdout)
		})
	default:
		server := api.NewServer(api.Options{
			Addr:      cfg.Server.Addr,
			AuthToken: cfg.Server.AuthToken,
			Manager:   d.manager,
			Scheduler: d.scheduler,
			Store:     d.store,
			Logs:      d.logs,
			Settings:  d.settings,
			Metrics:   d.metrics.Handler(),
			MCP:       mcpServer.HTTPHandler(),
			Logger:    logger.With("component", "api"),
		})
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownGrace)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	notifySystemd(logger, systemd.SdNotifyReady)
	serveErr := g.Wait()
	notifySystemd(logger, systemd.SdNotifyStopping)
	if serveErr != nil {
		logger.Error("serve failed", "err", serveErr)
	} else {
		logger.Info("shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := d.scheduler.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("scheduler stop", "err", err)
	}
	return serveErr
}

// notifySystemd reports state to systemd when running as a notify service.
func notifySystemd(logger *slog.Logger, state string) {
	sent, err := systemd.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notify failed", "state", state, "err", err)
		return
	}
	if sent {
		logger.Debug("systemd notified", "state", state)
	}
}
