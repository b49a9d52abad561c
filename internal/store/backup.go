package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deskcron/internal/core"
)

const defaultBackupKeep = 10

// BackupDir is where snapshots are written.
func (s *Store) BackupDir() string {
	return filepath.Join(s.StateDir, "backups")
}

// Backup writes a consistent snapshot of the task database and prunes old
// snapshots beyond BackupKeep. It returns the snapshot path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	dir := s.BackupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup dir: %w", err)
	}
	name := fmt.Sprintf("tasks-%s.sqlite", time.Now().UTC().Format("20060102T150405.000000000"))
	path := filepath.Join(dir, name)
	if _, err := s.DB.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("backup tasks: %w", err)
	}
	if err := s.pruneBackups(); err != nil {
		return path, err
	}
	return path, nil
}

// ListBackups returns snapshot paths, oldest first.
func (s *Store) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(s.BackupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "tasks-") || !strings.HasSuffix(e.Name(), ".sqlite") {
			continue
		}
		out = append(out, filepath.Join(s.BackupDir(), e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) pruneBackups() error {
	keep := s.BackupKeep
	if keep <= 0 {
		return nil
	}
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// Restore replaces every stored task with the tasks of a snapshot file.
// It returns the number of restored tasks.
func (s *Store) Restore(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()
	snap.SetMaxOpenConns(1)
	src := &Store{DB: snap}
	tasks, err := src.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return 0, fmt.Errorf("snapshot task %s: %w", task.ID, err)
		}
		// A snapshot taken mid-run must not leave the task stuck.
		if task.Status == core.TaskStatusRunning {
			task.Status = core.TaskStatusPending
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	for _, task := range tasks {
		args, err := taskArgs(task)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return 0, fmt.Errorf("restore task %s: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit restore: %w", err)
	}
	return len(tasks), nil
}
