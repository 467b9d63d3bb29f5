package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, name, prompt, cron_expression, timezone, web_search_enabled, status, next_run_at, created_at, updated_at`

func scanTask(s rowScanner) (*Task, error) {
	task := &Task{}
	var status string
	err := s.Scan(&task.ID, &task.Name, &task.Prompt, &task.CronExpr, &task.Timezone, &task.WebSearchEnabled,
		&status, &task.NextRunAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	return task, nil
}

// CreateTask creates a new task and assigns its ID and timestamps
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	task.ID = newID()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.NextRunAt = utcPtr(task.NextRunAt)
	if task.Status == "" {
		task.Status = TaskStatusEnabled
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, name, prompt, cron_expression, timezone, web_search_enabled, status, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Prompt, task.CronExpr, task.Timezone, task.WebSearchEnabled, task.Status,
		task.NextRunAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task "+id)
	}
	return task, nil
}

// ListTasks retrieves all tasks, newest first
func (db *DB) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask writes every mutable field of a task, including next_run_at
func (db *DB) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	task.NextRunAt = utcPtr(task.NextRunAt)
	res, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET name = ?, prompt = ?, cron_expression = ?, timezone = ?, web_search_enabled = ?,
			status = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Prompt, task.CronExpr, task.Timezone, task.WebSearchEnabled, task.Status,
		task.NextRunAt, task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// UpdateTaskDetails writes the mutable fields of a task but not next_run_at,
// so a scheduler advance that landed since the task was read is kept.
// task.NextRunAt is refreshed from the stored row.
func (db *DB) UpdateTaskDetails(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	err := db.conn.QueryRowContext(ctx, `
		UPDATE tasks SET name = ?, prompt = ?, cron_expression = ?, timezone = ?, web_search_enabled = ?,
			status = ?, updated_at = ?
		WHERE id = ?
		RETURNING next_run_at
	`, task.Name, task.Prompt, task.CronExpr, task.Timezone, task.WebSearchEnabled, task.Status,
		task.UpdatedAt, task.ID).Scan(&task.NextRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// DeleteTask deletes a task together with its runs, results and snapshots
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DueTasks returns enabled tasks whose next_run_at is at or before now
func (db *DB) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`, TaskStatusEnabled, utc(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AdvanceTask atomically moves a task's next_run_at from due to next and
// enqueues the run answering for due. The update is conditional on the task
// still being enabled and still pointing at due, so when several schedulers
// race on the same occurrence exactly one of them wins; the others get
// ErrRunNotClaimed. If a run for (task, due) already exists the advance is
// still committed and ErrDuplicateRunOccurrence is returned.
func (db *DB) AdvanceTask(ctx context.Context, taskID string, due time.Time, next *time.Time) (*Run, error) {
	due = utc(due)
	next = utcPtr(next)

	var run *Run
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET next_run_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND next_run_at = ?
		`, next, now, taskID, TaskStatusEnabled, due)
		if err != nil {
			return fmt.Errorf("failed to advance task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRunNotClaimed
		}

		r := &Run{
			ID:           newID(),
			TaskID:       taskID,
			ScheduledFor: due,
			Status:       RunStatusQueued,
			Trigger:      TriggerSchedule,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, task_id, scheduled_for, status, trigger_type, attempt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (task_id, scheduled_for) DO NOTHING
		`, r.ID, r.TaskID, r.ScheduledFor, r.Status, r.Trigger, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			run = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrDuplicateRunOccurrence
	}
	return run, nil
}
