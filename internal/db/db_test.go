package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createTask(t *testing.T, database *DB, next *time.Time) *Task {
	t.Helper()
	task := &Task{
		Name:     "AI news",
		Prompt:   "Summarize today's AI news",
		CronExpr: "*/15 * * * *",
		Timezone: "UTC",
		Status:   TaskStatusEnabled,
	}
	task.NextRunAt = next
	require.NoError(t, database.CreateTask(context.Background(), task))
	return task
}

func ptr[T any](v T) *T { return &v }

func TestTaskCRUD(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	next := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
	task := createTask(t, database, &next)
	require.NotEmpty(t, task.ID)

	got, err := database.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Name, got.Name)
	assert.Equal(t, TaskStatusEnabled, got.Status)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	got.Status = TaskStatusDisabled
	got.NextRunAt = nil
	got.WebSearchEnabled = true
	require.NoError(t, database.UpdateTask(ctx, got))

	got, err = database.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled())
	assert.Nil(t, got.NextRunAt)
	assert.True(t, got.WebSearchEnabled)

	tasks, err := database.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	require.NoError(t, database.DeleteTask(ctx, task.ID))
	_, err = database.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, database.DeleteTask(ctx, task.ID), ErrNotFound)
}

func TestDueTasks(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	due := createTask(t, database, ptr(now.Add(-time.Minute)))
	createTask(t, database, ptr(now.Add(time.Minute)))
	createTask(t, database, nil)

	disabled := createTask(t, database, ptr(now.Add(-time.Hour)))
	disabled.Status = TaskStatusDisabled
	require.NoError(t, database.UpdateTask(ctx, disabled))

	tasks, err := database.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, due.ID, tasks[0].ID)
}

func TestAdvanceTask(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	due := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
	next := due.Add(15 * time.Minute)
	task := createTask(t, database, &due)

	run, err := database.AdvanceTask(ctx, task.ID, due, &next)
	require.NoError(t, err)
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.Equal(t, TriggerSchedule, run.Trigger)
	assert.True(t, due.Equal(run.ScheduledFor))

	got, err := database.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(*got.NextRunAt))

	t.Run("stale due instant loses", func(t *testing.T) {
		_, err := database.AdvanceTask(ctx, task.ID, due, &next)
		assert.ErrorIs(t, err, ErrRunNotClaimed)
	})

	t.Run("existing occurrence is not enqueued twice", func(t *testing.T) {
		// Simulate a crash after the insert but before the advance.
		got.NextRunAt = &due
		require.NoError(t, database.UpdateTask(ctx, got))

		_, err := database.AdvanceTask(ctx, task.ID, due, &next)
		assert.ErrorIs(t, err, ErrDuplicateRunOccurrence)

		runs, err := database.ListTaskRuns(ctx, task.ID, 0)
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		got, err = database.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, next.Equal(*got.NextRunAt), "advance is committed even when the run exists")
	})
}

func TestAdvanceTaskConcurrent(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	due := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
	next := due.Add(15 * time.Minute)
	task := createTask(t, database, &due)

	const schedulers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < schedulers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := database.AdvanceTask(ctx, task.ID, due, &next)
			if err != nil {
				assert.True(t, errors.Is(err, ErrRunNotClaimed) || errors.Is(err, ErrDuplicateRunOccurrence), err)
				return
			}
			assert.NotNil(t, run)
			mu.Lock()
			created++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	runs, err := database.ListTaskRuns(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClaimRunIsExclusive(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)

	run, err := database.CreateManualRun(ctx, task.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, run.Trigger)

	queued, err := database.NextQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := database.ClaimRun(ctx, queued[0], time.Now())
			if errors.Is(err, ErrRunNotClaimed) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			wins++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := database.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.StartedAt)

	_, ok, err := database.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to claim")
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)

	_, err := database.CreateManualRun(ctx, task.ID, time.Now())
	require.NoError(t, err)

	running, ok, err := database.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("zero value terminal states are rejected", func(t *testing.T) {
		assert.ErrorIs(t, database.FailRun(ctx, FailedRun{}), ErrRunNotClaimed)
		assert.ErrorIs(t, database.SucceedRun(ctx, SucceededRun{}, &Result{}), ErrRunNotClaimed)
	})

	cost := 0.0012
	done := running.Succeed(time.Now(), Outcome{
		LLMModel:     "gpt-4o-mini",
		TokenUsage:   TokenUsage{"input_tokens": 10, "output_tokens": 20, "total_tokens": 30},
		CostEstimate: &cost,
	})
	result := &Result{
		Columns: []Column{{Key: "title", Label: "Title", Type: ColumnString}},
		Rows:    []Row{{"title": "hello"}},
		Summary: ptr("one row"),
	}
	require.NoError(t, database.SucceedRun(ctx, done, result))
	assert.Equal(t, 1, result.SchemaVersion)

	got, err := database.GetRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, got.Status)
	assert.Equal(t, "gpt-4o-mini", *got.LLMModel)
	assert.Equal(t, int64(30), got.TokenUsage["total_tokens"])
	assert.InDelta(t, cost, *got.CostEstimate, 1e-9)
	assert.NotNil(t, got.FinishedAt)

	stored, err := database.GetResultByRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Columns, stored.Columns)
	assert.Equal(t, "hello", stored.Rows[0]["title"])

	t.Run("terminal run cannot be finished again", func(t *testing.T) {
		assert.ErrorIs(t, database.FailRun(ctx, running.Fail(time.Now(), "late")), ErrRunNotClaimed)
	})
}

func TestStaleExecutorIsFenced(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)

	_, err := database.CreateManualRun(ctx, task.ID, time.Now())
	require.NoError(t, err)

	first, ok, err := database.ClaimNext(ctx, time.Now().Add(-20*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	stalled, err := database.StalledRuns(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	_, err = database.RequeueRun(ctx, stalled[0])
	require.NoError(t, err)

	second, ok, err := database.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, second.Attempt)

	assert.ErrorIs(t, database.FailRun(ctx, first.Fail(time.Now(), "stale")), ErrRunNotClaimed)
	require.NoError(t, database.FailRun(ctx, second.Fail(time.Now(), "boom")))

	got, err := database.GetRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func TestUpdateTaskDetailsKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	due := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
	next := due.Add(15 * time.Minute)
	task := createTask(t, database, &due)

	stale, err := database.GetTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = database.AdvanceTask(ctx, task.ID, due, &next)
	require.NoError(t, err)

	stale.Name = "Renamed"
	require.NoError(t, database.UpdateTaskDetails(ctx, stale))
	assert.True(t, next.Equal(*stale.NextRunAt), "next_run_at is refreshed from the row")

	got, err := database.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, next.Equal(*got.NextRunAt))

	missing := &Task{ID: "missing", Name: "x", Prompt: "x", CronExpr: "0 * * * *", Timezone: "UTC", Status: TaskStatusEnabled}
	assert.ErrorIs(t, database.UpdateTaskDetails(ctx, missing), ErrNotFound)
}

func TestRunningBefore(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)
	other := createTask(t, database, nil)

	now := time.Now()
	_, err := database.CreateManualRun(ctx, task.ID, now)
	require.NoError(t, err)
	_, err = database.CreateManualRun(ctx, task.ID, now.Add(time.Second))
	require.NoError(t, err)
	_, err = database.CreateManualRun(ctx, other.ID, now.Add(2*time.Second))
	require.NoError(t, err)

	first, ok, err := database.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := database.ClaimNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	unrelated, ok, err := database.ClaimNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, other.ID, unrelated.TaskID)

	busy, err := database.RunningBefore(ctx, second)
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = database.RunningBefore(ctx, first)
	require.NoError(t, err)
	assert.False(t, busy, "the earlier run keeps going")

	busy, err = database.RunningBefore(ctx, unrelated)
	require.NoError(t, err)
	assert.False(t, busy, "runs of other tasks do not overlap")

	require.NoError(t, database.FailRun(ctx, first.Fail(time.Now(), "done")))
	busy, err = database.RunningBefore(ctx, second)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestSchemaVersion(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)

	succeed := func(columns []Column) int {
		_, err := database.CreateManualRun(ctx, task.ID, time.Now())
		require.NoError(t, err)
		running, ok, err := database.ClaimNext(ctx, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		result := &Result{Columns: columns, Rows: []Row{{columns[0].Key: "x"}}}
		require.NoError(t, database.SucceedRun(ctx, running.Succeed(time.Now(), Outcome{}), result))
		return result.SchemaVersion
	}

	four := []Column{
		{Key: "company", Label: "Company", Type: ColumnString},
		{Key: "update", Label: "Update", Type: ColumnString},
		{Key: "url", Label: "URL", Type: ColumnURL},
		{Key: "date", Label: "Date", Type: ColumnDate},
	}
	assert.Equal(t, 1, succeed(four))

	relabeled := append([]Column(nil), four...)
	relabeled[0].Label = "Org"
	relabeled[0], relabeled[1] = relabeled[1], relabeled[0]
	assert.Equal(t, 1, succeed(relabeled))

	assert.Equal(t, 2, succeed(four[:3]))
	assert.Equal(t, 2, succeed(four[:3]))

	retyped := append([]Column(nil), four[:3]...)
	retyped[2].Type = ColumnString
	assert.Equal(t, 3, succeed(retyped))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)
	run, err := database.CreateManualRun(ctx, task.ID, time.Now())
	require.NoError(t, err)

	_, err = database.GetSnapshotByRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	snap := &Snapshot{
		RunID:   run.ID,
		Query:   "AI news",
		Results: []SearchItem{{Title: "A", URL: "https://a.example", Snippet: "a"}},
	}
	require.NoError(t, database.SaveSnapshot(ctx, snap))

	got, err := database.GetSnapshotByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, SnapshotOK, got.Status)
	assert.Equal(t, snap.Results, got.Results)

	retry := &Snapshot{RunID: run.ID, Query: "AI news", Status: SnapshotFailed, ErrorMessage: ptr("rate limited")}
	require.NoError(t, database.SaveSnapshot(ctx, retry))
	assert.Equal(t, snap.ID, retry.ID)

	got, err = database.GetSnapshotByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, SnapshotFailed, got.Status)
	assert.Empty(t, got.Results)
	assert.Equal(t, "rate limited", *got.ErrorMessage)

	t.Run("long queries are cut on character boundaries", func(t *testing.T) {
		long := &Snapshot{RunID: run.ID, Query: "q" + strings.Repeat("日本", MaxQueryLength)}
		require.NoError(t, database.SaveSnapshot(ctx, long))

		got, err := database.GetSnapshotByRun(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, utf8.ValidString(got.Query))
		assert.Equal(t, MaxQueryLength, utf8.RuneCountInString(got.Query))
	})
}

func TestDeleteTaskCascades(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)
	run, err := database.CreateManualRun(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, database.SaveSnapshot(ctx, &Snapshot{RunID: run.ID, Query: "q", Status: SnapshotFailed, ErrorMessage: ptr("down")}))

	require.NoError(t, database.DeleteTask(ctx, task.ID))

	_, err = database.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = database.GetSnapshotByRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.CreateManualRun(ctx, task.ID, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastRunStatuses(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	task := createTask(t, database, nil)

	_, err := database.CreateManualRun(ctx, task.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	running, ok, err := database.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, database.FailRun(ctx, running.Fail(time.Now(), "x")))

	_, err = database.CreateManualRun(ctx, task.ID, time.Now())
	require.NoError(t, err)

	statuses, err := database.LastRunStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunStatusQueued, statuses[task.ID])
}

func TestSameColumns(t *testing.T) {
	a := []Column{{Key: "a", Type: ColumnString}, {Key: "b", Type: ColumnNumber}}
	assert.True(t, SameColumns(a, []Column{{Key: "b", Type: ColumnNumber}, {Key: "a", Label: "A", Type: ColumnString}}))
	assert.False(t, SameColumns(a, a[:1]))
	assert.False(t, SameColumns(a, []Column{{Key: "a", Type: ColumnString}, {Key: "c", Type: ColumnNumber}}))
	assert.False(t, SameColumns([]Column{{Key: "a"}, {Key: "a"}}, []Column{{Key: "a"}, {Key: "b"}}))
}

func TestResultMarkdown(t *testing.T) {
	summary := "two rows"
	r := &Result{
		Columns: []Column{
			{Key: "name", Label: "Name", Type: ColumnString},
			{Key: "n", Label: "Count", Type: ColumnNumber},
			{Key: "url", Label: "Link", Type: ColumnURL},
		},
		Rows: []Row{
			{"name": "a|b", "n": 1.5, "url": "https://a.example"},
			{"name": "c", "n": nil, "url": nil},
		},
		Summary: &summary,
	}

	md := r.Markdown(0)
	assert.Contains(t, md, "| Name | Count | Link |")
	assert.Contains(t, md, "| --- | ---: | --- |")
	assert.Contains(t, md, `| a\|b | 1.5 | [https://a.example](https://a.example) |`)
	assert.Contains(t, md, "| c |  |  |")
	assert.Contains(t, md, "two rows")

	assert.Contains(t, r.Markdown(1), "_1 more rows_")
	assert.Equal(t, "", (*Result)(nil).Markdown(0))
}
