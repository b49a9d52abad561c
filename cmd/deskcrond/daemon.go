package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"deskcron/internal/capability"
	"deskcron/internal/config"
	"deskcron/internal/core"
	"deskcron/internal/metrics"
	"deskcron/internal/notify"
	"deskcron/internal/store"
)

// daemon owns the long-lived components shared by the HTTP and MCP surfaces.
type daemon struct {
	store     *store.Store
	logs      *store.LogStore
	settings  *config.SettingsWatcher
	desktop   *capability.Local
	scheduler *core.Scheduler
	manager   *core.Manager
	metrics   *metrics.Collector
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, *store.LogStore, error) {
	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	logs, err := store.OpenLogStore(ctx, filepath.Join(cfg.StateDir, "logs"), cfg.Log.RotateBytes, logger.With("component", "logstore"))
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("open log store: %w", err)
	}
	return st, logs, nil
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	st, logs, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		store:    st,
		logs:     logs,
		settings: config.NewSettingsWatcher(cfg.SettingsPath, settings, logger.With("component", "settings")),
		metrics:  metrics.New(),
		desktop: capability.NewLocal(capability.Options{
			Logger:        logger.With("component", "desktop"),
			ScreenWidth:   cfg.Capability.ScreenWidth,
			ScreenHeight:  cfg.Capability.ScreenHeight,
			AllowCommands: cfg.Capability.AllowCommands,
		}),
	}

	runner := core.NewSequenceRunner(d.desktop, logs, logger.With("component", "runner"))
	d.scheduler = core.NewScheduler(st, logs, runner, logger.With("component", "scheduler"), core.SchedulerOptions{
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		Settings:        settings,
		SettingsUpdates: d.settings.Updates(),
		Probe:           d.desktop,
		Notifier:        buildNotifier(cfg, logger),
		Observer:        d.metrics,
	})
	d.metrics.WatchScheduler(d.scheduler.Stats)
	d.manager = core.NewManager(st, d.scheduler, logger.With("component", "manager"))
	return d, nil
}

// buildNotifier fans failure notifications out to the log and, when
// configured, to Bark, capped at the configured rate.
func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	notifiers := []notify.Notifier{notify.LogNotifier{Logger: logger.With("component", "notify")}}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	return notify.NewThrottled(notify.NewMultiNotifier(notifiers...), cfg.Notification.PerMinute, logger)
}

func (d *daemon) Close() error {
	return errors.Join(d.logs.Close(), d.store.Close())
}
