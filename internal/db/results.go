package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SucceedRun records a successful terminal transition and stores its result
// in the same transaction. The schema version continues the task's previous
// result when the column contract is unchanged and increments otherwise.
func (db *DB) SucceedRun(ctx context.Context, s SucceededRun, result *Result) error {
	if s.from.ID == "" {
		return ErrRunNotClaimed
	}
	if result == nil {
		return errors.New("succeeded run requires a result")
	}

	out := s.outcome
	var usage any
	if len(out.TokenUsage) > 0 {
		raw, err := json.Marshal(out.TokenUsage)
		if err != nil {
			return fmt.Errorf("failed to encode token usage: %w", err)
		}
		usage = string(raw)
	}
	var model any
	if out.LLMModel != "" {
		model = out.LLMModel
	}

	columns, err := json.Marshal(result.Columns)
	if err != nil {
		return fmt.Errorf("failed to encode result columns: %w", err)
	}
	rows := result.Rows
	if rows == nil {
		rows = []Row{}
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode result rows: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = ?, llm_model = ?, token_usage = ?, cost_estimate = ?,
				error_message = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND attempt = ?
		`, RunStatusSuccess, s.finishedAt, model, usage, out.CostEstimate, now, s.from.ID, RunStatusRunning, s.from.Attempt)
		if err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRunNotClaimed
		}

		prev, err := latestTaskResult(ctx, tx, s.from.TaskID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		result.SchemaVersion = NextSchemaVersion(prev, result.Columns)
		result.ID = newID()
		result.RunID = s.from.ID
		result.CreatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO results (id, run_id, schema_version, columns_json, rows_json, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, result.ID, result.RunID, result.SchemaVersion, string(columns), string(rowsJSON), result.Summary, result.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to store result: %w", err)
		}
		return nil
	})
}

// NextSchemaVersion returns the schema version for a new result given the
// task's previous result, which may be nil.
func NextSchemaVersion(prev *Result, columns []Column) int {
	if prev == nil {
		return 1
	}
	if SameColumns(prev.Columns, columns) {
		return prev.SchemaVersion
	}
	return prev.SchemaVersion + 1
}

// SameColumns reports whether two column lists declare the same set of keys
// with the same types. Labels and order do not matter.
func SameColumns(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	types := make(map[string]ColumnType, len(a))
	for _, c := range a {
		types[c.Key] = c.Type
	}
	for _, c := range b {
		t, ok := types[c.Key]
		if !ok || t != c.Type {
			return false
		}
		delete(types, c.Key)
	}
	return len(types) == 0
}

const resultColumns = `res.id, res.run_id, res.schema_version, res.columns_json, res.rows_json, res.summary, res.created_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanResult(s rowScanner) (*Result, error) {
	result := &Result{}
	var columns, rows string
	err := s.Scan(&result.ID, &result.RunID, &result.SchemaVersion, &columns, &rows, &result.Summary, &result.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(columns), &result.Columns); err != nil {
		return nil, fmt.Errorf("failed to decode result columns: %w", err)
	}
	if err := json.Unmarshal([]byte(rows), &result.Rows); err != nil {
		return nil, fmt.Errorf("failed to decode result rows: %w", err)
	}
	return result, nil
}

func latestTaskResult(ctx context.Context, q queryer, taskID string) (*Result, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM results res
		JOIN runs r ON r.id = res.run_id
		WHERE r.task_id = ?
		ORDER BY res.created_at DESC, res.rowid DESC LIMIT 1
	`, taskID)
	result, err := scanResult(row)
	if err != nil {
		return nil, notFound(err, "result for task "+taskID)
	}
	return result, nil
}

// LatestTaskResult returns the most recent result of any run of the task
func (db *DB) LatestTaskResult(ctx context.Context, taskID string) (*Result, error) {
	return latestTaskResult(ctx, db.conn, taskID)
}

// GetResultByRun retrieves the result of a run
func (db *DB) GetResultByRun(ctx context.Context, runID string) (*Result, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results res WHERE res.run_id = ?`, runID)
	result, err := scanResult(row)
	if err != nil {
		return nil, notFound(err, "result for run "+runID)
	}
	return result, nil
}
