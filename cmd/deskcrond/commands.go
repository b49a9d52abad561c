package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"deskcron/internal/store"
)

// withStores runs fn against the task and log stores of the configured
// state directory. The daemon should not be running at the same time.
func withStores(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store, logs *store.LogStore) error) error {
	cfg, logger, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()
	ctx := cmd.Context()
	st, logs, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logs.Close()
		st.Close()
	}()
	return fn(ctx, st, logs)
}

func newBackupCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the task database into the backups directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, st *store.Store, _ *store.LogStore) error {
				if list {
					backups, err := st.ListBackups()
					if err != nil {
						return err
					}
					for _, b := range backups {
						fmt.Fprintln(cmd.OutOrStdout(), b)
					}
					return nil
				}
				path, err := st.Backup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list existing backups instead of creating one")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE",
		Short: "Replace all tasks with the tasks of a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, st *store.Store, _ *store.LogStore) error {
				n, err := st.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %d tasks from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Maintain the execution log",
	}

	var (
		format   string
		out      string
		schedule string
		taskID   string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Export execution logs as json, csv or txt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *store.Store, logs *store.LogStore) error {
				entries, err := logs.All(ctx, store.LogFilter{ScheduleName: schedule, TaskID: taskID})
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					return store.WriteLogs(cmd.OutOrStdout(), entries, format)
				}
				if err := logs.Export(entries, format, out); err != nil {
					return err
				}
				size := "?"
				if info, err := os.Stat(out); err == nil {
					size = humanize.Bytes(uint64(info.Size()))
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d logs to %s (%s)\n", len(entries), out, size)
				return nil
			})
		},
	}
	export.Flags().StringVar(&format, "format", store.FormatJSON, "export format: json, csv or txt")
	export.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	export.Flags().StringVar(&schedule, "schedule", "", "only logs of this task name")
	export.Flags().StringVar(&taskID, "task", "", "only logs of this task id")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Start a new log segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *store.Store, logs *store.LogStore) error {
				active, err := logs.Rotate()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "active segment:", active)
				return nil
			})
		},
	}

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the log segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *store.Store, logs *store.LogStore) error {
				n, err := logs.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d logs\n", n)
				return nil
			})
		},
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete logs older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withStores(cmd, func(ctx context.Context, _ *store.Store, logs *store.LogStore) error {
				n, err := logs.DeleteBefore(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d logs\n", n)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest log to keep")

	backup := &cobra.Command{
		Use:   "backup",
		Short: "Write every execution log to a json file in the backups directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, st *store.Store, logs *store.LogStore) error {
				entries, err := logs.All(ctx, store.LogFilter{})
				if err != nil {
					return err
				}
				path := filepath.Join(st.BackupDir(), "logs-"+time.Now().UTC().Format("20060102T150405Z")+".json")
				if err := logs.Export(entries, store.FormatJSON, path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore FILE",
		Short: "Replace every execution log with the logs of a json backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			entries, err := store.ReadLogs(f)
			f.Close()
			if err != nil {
				return err
			}
			return withStores(cmd, func(ctx context.Context, _ *store.Store, logs *store.LogStore) error {
				n, err := logs.Replace(ctx, entries)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %d logs from %s\n", n, args[0])
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print execution statistics as json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *store.Store, logs *store.LogStore) error {
				st, err := logs.Statistics(ctx, store.LogFilter{ScheduleName: schedule, TaskID: taskID})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			})
		},
	}
	stats.Flags().StringVar(&schedule, "schedule", "", "only logs of this task name")
	stats.Flags().StringVar(&taskID, "task", "", "only logs of this task id")

	cmd.AddCommand(export, rotate, reindex, prune, backup, restore, stats)
	return cmd
}
