package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deskcron/internal/core"
)

// ErrTaskNotFound is returned for unknown task ids. It matches core.ErrNotFound.
var ErrTaskNotFound = fmt.Errorf("task %w", core.ErrNotFound)

const taskColumns = `id, name, target_app, status, schedule_json, actions_json, options_json,
	last_executed, next_execution_ns, created_at, updated_at`

// Save inserts the task or replaces the stored record with the same id.
func (s *Store) Save(ctx context.Context, task *core.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			target_app = excluded.target_app,
			status = excluded.status,
			schedule_json = excluded.schedule_json,
			actions_json = excluded.actions_json,
			options_json = excluded.options_json,
			last_executed = excluded.last_executed,
			next_execution_ns = excluded.next_execution_ns,
			updated_at = excluded.updated_at
	`, args...)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func taskArgs(task *core.Task) ([]any, error) {
	schedule, err := json.Marshal(task.Schedule)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	actions, err := json.Marshal(task.Actions)
	if err != nil {
		return nil, fmt.Errorf("encode action sequence: %w", err)
	}
	options, err := json.Marshal(task.Options)
	if err != nil {
		return nil, fmt.Errorf("encode execution options: %w", err)
	}
	return []any{
		task.ID, task.Name, task.TargetApp, string(task.Status),
		string(schedule), string(actions), string(options),
		nullableTime(task.LastExecuted), nullableUnixNano(task.NextExecution),
		task.CreatedAt.UTC().Format(time.RFC3339Nano), task.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Load returns the task with the given id.
func (s *Store) Load(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// LoadAll returns every task, newest first.
func (s *Store) LoadAll(ctx context.Context) ([]*core.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// LoadDue returns pending tasks whose next execution is at or before now.
func (s *Store) LoadDue(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_execution_ns IS NOT NULL AND next_execution_ns <= ?
		ORDER BY next_execution_ns ASC
	`, string(core.TaskStatusPending), now.UnixNano())
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Delete removes the task with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateRunState writes the scheduler-owned fields of one task.
func (s *Store) UpdateRunState(ctx context.Context, id string, state core.RunState) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, last_executed = ?, next_execution_ns = ?, updated_at = ?
		WHERE id = ?
	`, string(state.Status), nullableTime(state.LastExecuted), nullableUnixNano(state.NextExecution),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run state rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task      core.Task
		status    string
		schedule  string
		actions   string
		options   string
		lastExec  sql.NullString
		nextExec  sql.NullInt64
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.TargetApp, &status, &schedule, &actions, &options,
		&lastExec, &nextExec, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = core.TaskStatus(status)
	if err := json.Unmarshal([]byte(schedule), &task.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &task.Actions); err != nil {
		return nil, fmt.Errorf("decode action sequence of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(options), &task.Options); err != nil {
		return nil, fmt.Errorf("decode execution options of task %s: %w", task.ID, err)
	}
	if lastExec.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastExec.String); err == nil {
			task.LastExecuted = &t
		}
	}
	if nextExec.Valid {
		t := time.Unix(0, nextExec.Int64).UTC()
		task.NextExecution = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}
