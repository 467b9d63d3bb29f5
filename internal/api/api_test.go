package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/notify"
)

var created = time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

type testServer struct {
	store  *db.DB
	bus    *notify.Local
	server *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := notify.NewLocal()
	t.Cleanup(func() { bus.Close() })

	cfg := &config.Config{
		HTTP:      config.HTTPConfig{CORSOrigins: []string{"https://app.example"}},
		Scheduler: config.SchedulerConfig{MinInterval: 15 * time.Minute},
	}
	s := NewServer(store, bus, cfg, zap.NewNop())
	s.now = func() time.Time { return created }
	return &testServer{store: store, bus: bus, server: s}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createTask(t *testing.T, body map[string]any) *db.Task {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*db.Task](t, rec)
}

func validTask() map[string]any {
	return map[string]any{
		"name":            "AI news",
		"prompt":          "Summarize today's AI news",
		"cron_expression": "*/15 * * * *",
		"timezone":        "UTC",
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestCreateTask(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "AI news", task.Name)
	assert.Equal(t, db.TaskStatusEnabled, task.Status)
	assert.False(t, task.WebSearchEnabled)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), task.NextRunAt.UTC())

	stored, err := ts.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.NextRunAt.UTC(), stored.NextRunAt.UTC())
}

func TestCreateTaskDefaultsAndDisabled(t *testing.T) {
	ts := newTestServer(t)
	body := validTask()
	delete(body, "timezone")
	body["status"] = "disabled"
	body["web_search_enabled"] = true

	task := ts.createTask(t, body)
	assert.Equal(t, "UTC", task.Timezone)
	assert.Equal(t, db.TaskStatusDisabled, task.Status)
	assert.True(t, task.WebSearchEnabled)
	assert.Nil(t, task.NextRunAt)
}

func TestCreateTaskValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]struct {
		mutate func(map[string]any)
		code   string
	}{
		"missing name":    {func(b map[string]any) { delete(b, "name") }, codeInvalidRequest},
		"blank name":      {func(b map[string]any) { b["name"] = "   " }, codeInvalidRequest},
		"long name":       {func(b map[string]any) { b["name"] = string(bytes.Repeat([]byte("n"), 201)) }, codeInvalidRequest},
		"blank prompt":    {func(b map[string]any) { b["prompt"] = "" }, codeInvalidRequest},
		"missing cron":    {func(b map[string]any) { delete(b, "cron_expression") }, codeInvalidExpression},
		"malformed cron":  {func(b map[string]any) { b["cron_expression"] = "every monday" }, codeInvalidExpression},
		"six fields":      {func(b map[string]any) { b["cron_expression"] = "0 */15 * * * *" }, codeInvalidExpression},
		"too frequent":    {func(b map[string]any) { b["cron_expression"] = "*/5 * * * *" }, codeIntervalTooShort},
		"clustered":       {func(b map[string]any) { b["cron_expression"] = "0,10 9 * * *" }, codeIntervalTooShort},
		"bad timezone":    {func(b map[string]any) { b["timezone"] = "Mars/Olympus" }, codeInvalidTimezone},
		"bad status":      {func(b map[string]any) { b["status"] = "paused" }, codeInvalidRequest},
		"long expression": {func(b map[string]any) { b["cron_expression"] = "0 " + string(bytes.Repeat([]byte("1,"), 60)) + "1 * * *" }, codeInvalidExpression},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := validTask()
			tc.mutate(body)
			rec := ts.do(t, http.MethodPost, "/api/tasks", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	rec := ts.do(t, http.MethodPost, "/api/tasks", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tasks, err := ts.store.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected tasks are never stored")
}

func TestListAndGetTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	first := ts.createTask(t, validTask())
	second := ts.createTask(t, validTask())

	_, err := ts.store.CreateManualRun(context.Background(), first.ID, created)
	require.NoError(t, err)

	list := decode[[]TaskResponse](t, ts.do(t, http.MethodGet, "/api/tasks", nil))
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	for _, item := range list {
		if item.ID == first.ID {
			assert.Equal(t, db.RunStatusQueued, item.LastRunStatus)
		} else {
			assert.Empty(t, item.LastRunStatus)
		}
	}

	got := decode[TaskResponse](t, ts.do(t, http.MethodGet, "/api/tasks/"+first.ID, nil))
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, db.RunStatusQueued, got.LastRunStatus)

	rec = ts.do(t, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Task not found", decode[ErrorResponse](t, rec).Error)
}

func TestUpdateTask(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())
	path := "/api/tasks/" + task.ID

	// Renaming keeps the schedule.
	updated := decode[*db.Task](t, ts.do(t, http.MethodPatch, path, map[string]any{"name": "Renamed"}))
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, task.NextRunAt.UTC(), updated.NextRunAt.UTC())

	// A new schedule is recomputed in the task's timezone.
	updated = decode[*db.Task](t, ts.do(t, http.MethodPatch, path, map[string]any{
		"cron_expression": "0 9 * * *",
		"timezone":        "America/New_York",
	}))
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), updated.NextRunAt.UTC())

	// Disabling clears next_run_at, enabling recomputes it.
	updated = decode[*db.Task](t, ts.do(t, http.MethodPatch, path, map[string]any{"status": "disabled"}))
	assert.Equal(t, db.TaskStatusDisabled, updated.Status)
	assert.Nil(t, updated.NextRunAt)

	updated = decode[*db.Task](t, ts.do(t, http.MethodPatch, path, map[string]any{"status": "enabled"}))
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), updated.NextRunAt.UTC())

	rec := ts.do(t, http.MethodPatch, path, map[string]any{"cron_expression": "* * * * *"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeIntervalTooShort, decode[ErrorResponse](t, rec).Code)

	stored, err := ts.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", stored.CronExpr, "rejected update is not stored")

	rec = ts.do(t, http.MethodPatch, "/api/tasks/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// advancingStore moves a task's schedule forward right after the handler
// reads it, the way a scheduler tick landing mid-request would.
type advancingStore struct {
	*db.DB
	next time.Time
}

func (s *advancingStore) GetTask(ctx context.Context, id string) (*db.Task, error) {
	task, err := s.DB.GetTask(ctx, id)
	if err != nil || task.NextRunAt == nil {
		return task, err
	}
	if _, err := s.DB.AdvanceTask(ctx, id, *task.NextRunAt, &s.next); err != nil {
		return nil, err
	}
	return task, nil
}

func TestUpdateTaskKeepsConcurrentAdvance(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())
	advanced := task.NextRunAt.UTC().Add(15 * time.Minute)

	store := &advancingStore{DB: ts.store, next: advanced}
	cfg := &config.Config{
		HTTP:      config.HTTPConfig{CORSOrigins: []string{"https://app.example"}},
		Scheduler: config.SchedulerConfig{MinInterval: 15 * time.Minute},
	}
	s := NewServer(store, ts.bus, cfg, zap.NewNop())
	s.now = func() time.Time { return created }
	ts.server = s

	updated := decode[*db.Task](t, ts.do(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]any{"prompt": "New prompt"}))
	assert.Equal(t, "New prompt", updated.Prompt)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, advanced, updated.NextRunAt.UTC())

	stored, err := ts.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, advanced, stored.NextRunAt.UTC(), "advance is not rolled back")
}

func TestDeleteTask(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())
	run, err := ts.store.CreateManualRun(context.Background(), task.ID, created)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodDelete, "/api/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/runs/"+run.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/tasks/"+task.ID, nil).Code)
}

func TestManualRun(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wakeups, err := ts.bus.Subscribe(ctx)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/run", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[*db.Run](t, rec)
	assert.Equal(t, db.RunStatusQueued, run.Status)
	assert.Equal(t, db.TriggerManual, run.Trigger)
	assert.True(t, run.ScheduledFor.Equal(created))
	assert.Nil(t, run.StartedAt)

	select {
	case id := <-wakeups:
		assert.Equal(t, run.ID, id)
	case <-time.After(time.Second):
		t.Fatal("no wakeup published")
	}

	got := decode[*db.Run](t, ts.do(t, http.MethodGet, "/api/runs/"+run.ID, nil))
	assert.Equal(t, run.ID, got.ID)

	runs := decode[[]*db.Run](t, ts.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/runs", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/tasks/missing/run", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/tasks/missing/runs", nil).Code)
}

func TestRunsNewestFirst(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())
	for i := 0; i < 3; i++ {
		_, err := ts.store.CreateManualRun(context.Background(), task.ID, created.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	runs := decode[[]*db.Run](t, ts.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/runs?limit=2", nil))
	require.Len(t, runs, 2)
	assert.True(t, runs[0].ScheduledFor.After(runs[1].ScheduledFor))
	assert.True(t, runs[0].ScheduledFor.Equal(created.Add(2*time.Minute)))
}

func TestRunResultAndSnapshot(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	task := ts.createTask(t, validTask())
	queued, err := ts.store.CreateManualRun(ctx, task.ID, created)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/runs/"+queued.ID+"/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Result not found", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/api/runs/"+queued.ID+"/web_search_snapshot", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Snapshot not found", decode[ErrorResponse](t, rec).Error)

	require.NoError(t, ts.store.SaveSnapshot(ctx, &db.Snapshot{
		RunID:   queued.ID,
		Query:   "AI news",
		Results: []db.SearchItem{{Title: "A", URL: "https://a.example", Snippet: "a"}},
	}))

	running, ok, err := ts.store.ClaimNext(ctx, created)
	require.NoError(t, err)
	require.True(t, ok)
	summary := "one row"
	require.NoError(t, ts.store.SucceedRun(ctx, running.Succeed(created.Add(time.Minute), db.Outcome{LLMModel: "mock"}), &db.Result{
		Columns: []db.Column{{Key: "title", Label: "Title", Type: db.ColumnString}},
		Rows:    []db.Row{{"title": "A"}},
		Summary: &summary,
	}))

	result := decode[*db.Result](t, ts.do(t, http.MethodGet, "/api/runs/"+queued.ID+"/result", nil))
	assert.Equal(t, queued.ID, result.RunID)
	assert.Equal(t, 1, result.SchemaVersion)
	assert.Equal(t, "A", result.Rows[0]["title"])

	snap := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/runs/"+queued.ID+"/web_search_snapshot", nil))
	assert.Equal(t, queued.ID, snap["run_id"])
	assert.Equal(t, "AI news", snap["query"])
	assert.Equal(t, "ok", snap["status"])
	assert.Len(t, snap["results"], 1)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/runs/missing", nil).Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decode[ErrorResponse](t, rec).Code)
}
