package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxRunsPerTask caps the run history returned for one task
const MaxRunsPerTask = 200

const runColumns = `id, task_id, scheduled_for, started_at, finished_at, status, error_message, llm_model,
	token_usage, cost_estimate, trigger_type, attempt, created_at, updated_at`

func scanRun(s rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status, trigger string
		usage           sql.NullString
	)
	err := s.Scan(&run.ID, &run.TaskID, &run.ScheduledFor, &run.StartedAt, &run.FinishedAt, &status,
		&run.ErrorMessage, &run.LLMModel, &usage, &run.CostEstimate, &trigger, &run.Attempt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Trigger = RunTrigger(trigger)
	if usage.Valid && usage.String != "" {
		if err := json.Unmarshal([]byte(usage.String), &run.TokenUsage); err != nil {
			return nil, fmt.Errorf("failed to decode token usage of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateManualRun queues a run for a task outside its schedule
func (db *DB) CreateManualRun(ctx context.Context, taskID string, now time.Time) (*Run, error) {
	if _, err := db.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	stamp := time.Now().UTC()
	run := &Run{
		ID:           newID(),
		TaskID:       taskID,
		ScheduledFor: utc(now),
		Status:       RunStatusQueued,
		Trigger:      TriggerManual,
		CreatedAt:    stamp,
		UpdatedAt:    stamp,
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, scheduled_for, status, trigger_type, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, run.ID, run.TaskID, run.ScheduledFor, run.Status, run.Trigger, run.CreatedAt, run.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateRunOccurrence
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err, "run "+id)
	}
	return run, nil
}

// ListTaskRuns retrieves runs for a task, latest occurrence first
func (db *DB) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > MaxRunsPerTask {
		limit = MaxRunsPerTask
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE task_id = ?
		ORDER BY scheduled_for DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return scanRuns(rows)
}

// LastRunStatuses returns the status of the latest run of every task
func (db *DB) LastRunStatuses(ctx context.Context) (map[string]RunStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.task_id, r.status FROM runs r
		JOIN (SELECT task_id, MAX(scheduled_for) AS latest FROM runs GROUP BY task_id) l
			ON l.task_id = r.task_id AND l.latest = r.scheduled_for
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last run statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]RunStatus)
	for rows.Next() {
		var taskID, status string
		if err := rows.Scan(&taskID, &status); err != nil {
			return nil, err
		}
		statuses[taskID] = RunStatus(status)
	}
	return statuses, rows.Err()
}

// NextQueued returns up to limit queued runs, oldest occurrence first
func (db *DB) NextQueued(ctx context.Context, limit int) ([]QueuedRun, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, task_id, scheduled_for, trigger_type, attempt FROM runs
		WHERE status = ? ORDER BY scheduled_for, created_at LIMIT ?
	`, RunStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued runs: %w", err)
	}
	defer rows.Close()

	var out []QueuedRun
	for rows.Next() {
		var (
			q       QueuedRun
			trigger string
		)
		if err := rows.Scan(&q.ID, &q.TaskID, &q.ScheduledFor, &trigger, &q.Attempt); err != nil {
			return nil, err
		}
		q.Trigger = RunTrigger(trigger)
		out = append(out, q)
	}
	return out, rows.Err()
}

// ClaimRun moves a queued run to running. The update only matches while the
// run is still queued with the same attempt count, so of several executors
// racing for it exactly one succeeds; the rest get ErrRunNotClaimed.
func (db *DB) ClaimRun(ctx context.Context, q QueuedRun, now time.Time) (RunningRun, error) {
	running := q.Start(now)
	res, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?, attempt = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempt = ?
	`, RunStatusRunning, running.StartedAt, running.Attempt, time.Now().UTC(), q.ID, RunStatusQueued, q.Attempt)
	if err != nil {
		return RunningRun{}, fmt.Errorf("failed to claim run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return RunningRun{}, ErrRunNotClaimed
	}
	return running, nil
}

// ClaimNext claims the oldest queued run. It returns false when the queue is
// empty or every candidate was taken by another executor.
func (db *DB) ClaimNext(ctx context.Context, now time.Time) (RunningRun, bool, error) {
	candidates, err := db.NextQueued(ctx, 8)
	if err != nil {
		return RunningRun{}, false, err
	}
	for _, q := range candidates {
		running, err := db.ClaimRun(ctx, q, now)
		if errors.Is(err, ErrRunNotClaimed) {
			continue
		}
		if err != nil {
			return RunningRun{}, false, err
		}
		return running, true, nil
	}
	return RunningRun{}, false, nil
}

// FailRun records a failed terminal transition
func (db *DB) FailRun(ctx context.Context, f FailedRun) error {
	if f.from.ID == "" {
		return ErrRunNotClaimed
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempt = ?
	`, RunStatusFailed, f.finishedAt, f.message, time.Now().UTC(), f.from.ID, RunStatusRunning, f.from.Attempt)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotClaimed
	}
	return nil
}

// StalledRuns returns running runs started before the cutoff
func (db *DB) StalledRuns(ctx context.Context, cutoff time.Time) ([]RunningRun, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, task_id, scheduled_for, trigger_type, started_at, attempt FROM runs
		WHERE status = ? AND started_at < ?
		ORDER BY started_at
	`, RunStatusRunning, utc(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled runs: %w", err)
	}
	defer rows.Close()

	var out []RunningRun
	for rows.Next() {
		var (
			r       RunningRun
			trigger string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ScheduledFor, &trigger, &r.StartedAt, &r.Attempt); err != nil {
			return nil, err
		}
		r.Trigger = RunTrigger(trigger)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequeueRun returns an orphaned running run to the queue
func (db *DB) RequeueRun(ctx context.Context, r RunningRun) (QueuedRun, error) {
	q := r.Requeue()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND attempt = ?
	`, RunStatusQueued, time.Now().UTC(), r.ID, RunStatusRunning, r.Attempt)
	if err != nil {
		return QueuedRun{}, fmt.Errorf("failed to requeue run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return QueuedRun{}, ErrRunNotClaimed
	}
	return q, nil
}

// RunningBefore reports whether another run of the same task was claimed
// before r and is still running. Equal start times go to the lower id, so of
// two overlapping runs exactly one sees the other.
func (db *DB) RunningBefore(ctx context.Context, r RunningRun) (bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, started_at FROM runs
		WHERE task_id = ? AND status = ? AND id <> ?
	`, r.TaskID, RunStatusRunning, r.ID)
	if err != nil {
		return false, fmt.Errorf("failed to query running runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			started time.Time
		)
		if err := rows.Scan(&id, &started); err != nil {
			return false, err
		}
		if started.Before(r.StartedAt) || (started.Equal(r.StartedAt) && id < r.ID) {
			return true, nil
		}
	}
	return false, rows.Err()
}
