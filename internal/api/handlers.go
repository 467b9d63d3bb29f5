package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/recurrence"
	"github.com/kylemclaren/promptoncron/internal/version"
)

const (
	maxNameLength = 200
	maxCronLength = 120
	maxBodyBytes  = 1 << 20
)

// HealthCheck handles GET /api/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: version.Version, Database: "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.jsonResponse(w, status, resp)
}

// ListTasks handles GET /api/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.internalError(w, "Failed to fetch tasks", err)
		return
	}

	statuses, err := s.store.LastRunStatuses(r.Context())
	if err != nil {
		s.logger.Warn("Failed to fetch last run statuses", zap.Error(err))
	}

	response := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		response[i] = TaskResponse{Task: task, LastRunStatus: statuses[task.ID]}
	}
	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if !s.decode(w, r, &req) {
		return
	}

	task := &db.Task{Timezone: "UTC", Status: db.TaskStatusEnabled}
	if _, err := s.applyTaskRequest(task, req, true); err != nil {
		s.validationResponse(w, err)
		return
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.internalError(w, "Failed to create task", err)
		return
	}

	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("cron", task.CronExpr),
		zap.String("timezone", task.Timezone),
		zap.Timep("next_run_at", task.NextRunAt))
	s.jsonResponse(w, http.StatusCreated, TaskResponse{Task: task})
}

// GetTask handles GET /api/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var status db.RunStatus
	if runs, err := s.store.ListTaskRuns(r.Context(), task.ID, 1); err == nil && len(runs) > 0 {
		status = runs[0].Status
	}
	s.jsonResponse(w, http.StatusOK, TaskResponse{Task: task, LastRunStatus: status})
}

// UpdateTask handles PATCH /api/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req TaskRequest
	if !s.decode(w, r, &req) {
		return
	}

	reschedule, err := s.applyTaskRequest(task, req, false)
	if err != nil {
		s.validationResponse(w, err)
		return
	}

	save := s.store.UpdateTaskDetails
	if reschedule {
		save = s.store.UpdateTask
	}
	if err := save(r.Context(), task); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Task not found", codeNotFound, nil)
			return
		}
		s.internalError(w, "Failed to update task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, TaskResponse{Task: task})
}

// DeleteTask handles DELETE /api/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Task not found", codeNotFound, nil)
			return
		}
		s.internalError(w, "Failed to delete task", err)
		return
	}
	s.logger.Info("Task deleted", zap.String("task_id", id))
	s.jsonResponse(w, http.StatusOK, OKResponse{OK: true})
}

// GetTaskRuns handles GET /api/tasks/{id}/runs
func (s *Server) GetTaskRuns(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	limit := db.MaxRunsPerTask
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < limit {
			limit = l
		}
	}

	runs, err := s.store.ListTaskRuns(r.Context(), task.ID, limit)
	if err != nil {
		s.internalError(w, "Failed to fetch task runs", err)
		return
	}
	if runs == nil {
		runs = []*db.Run{}
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

// RunTask handles POST /api/tasks/{id}/run
func (s *Server) RunTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.CreateManualRun(r.Context(), id, s.now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Task not found", codeNotFound, nil)
			return
		}
		s.internalError(w, "Failed to queue run", err)
		return
	}

	if s.notifier != nil {
		if err := s.notifier.Publish(r.Context(), run.ID); err != nil {
			s.logger.Warn("Failed to publish run wakeup", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	s.logger.Info("Manual run queued", zap.String("task_id", id), zap.String("run_id", run.ID))
	s.jsonResponse(w, http.StatusCreated, run)
}

// GetRun handles GET /api/runs/{id}
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "Run not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// GetRunResult handles GET /api/runs/{id}/result
func (s *Server) GetRunResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.GetResultByRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "Result not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// GetRunSnapshot handles GET /api/runs/{id}/web_search_snapshot
func (s *Server) GetRunSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshotByRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "Snapshot not found", err)
		return
	}
	if snap.Results == nil {
		snap.Results = []db.SearchItem{}
	}
	s.jsonResponse(w, http.StatusOK, snap)
}

// Helper functions

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "Task not found", err)
		return nil, false
	}
	return task, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", codeInvalidRequest, err)
		return false
	}
	return true
}

// applyTaskRequest validates req and copies it onto task. next_run_at is
// recomputed from now whenever the schedule or status changes, and is null
// for disabled tasks and for expressions that never match again. It reports
// whether next_run_at was recomputed.
func (s *Server) applyTaskRequest(task *db.Task, req TaskRequest, create bool) (bool, error) {
	if create {
		if req.Name == nil {
			return false, invalid(codeInvalidRequest, "Name is required")
		}
		if req.Prompt == nil {
			return false, invalid(codeInvalidRequest, "Prompt is required")
		}
		if req.CronExpr == nil {
			return false, invalid(codeInvalidExpression, "Cron expression is required")
		}
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return false, invalid(codeInvalidRequest, "Name is required")
		}
		if utf8.RuneCountInString(name) > maxNameLength {
			return false, invalid(codeInvalidRequest, fmt.Sprintf("Name must be at most %d characters", maxNameLength))
		}
		task.Name = name
	}
	if req.Prompt != nil {
		if strings.TrimSpace(*req.Prompt) == "" {
			return false, invalid(codeInvalidRequest, "Prompt is required")
		}
		task.Prompt = *req.Prompt
	}
	if req.WebSearchEnabled != nil {
		task.WebSearchEnabled = *req.WebSearchEnabled
	}

	reschedule := create
	if req.CronExpr != nil {
		expr := strings.Join(strings.Fields(*req.CronExpr), " ")
		if len(expr) > maxCronLength {
			return false, invalid(codeInvalidExpression, fmt.Sprintf("Cron expression must be at most %d characters", maxCronLength))
		}
		reschedule = reschedule || expr != task.CronExpr
		task.CronExpr = expr
	}
	if req.Timezone != nil {
		tz := strings.TrimSpace(*req.Timezone)
		if tz == "" {
			tz = "UTC"
		}
		reschedule = reschedule || tz != task.Timezone
		task.Timezone = tz
	}
	if req.Status != nil {
		status := db.TaskStatus(strings.TrimSpace(*req.Status))
		if !status.Valid() {
			return false, invalid(codeInvalidRequest, "Status must be enabled or disabled")
		}
		reschedule = reschedule || status != task.Status
		task.Status = status
	}

	now := s.now()
	if req.CronExpr != nil || req.Timezone != nil {
		if err := recurrence.Validate(task.CronExpr, task.Timezone, now, s.minInterval); err != nil {
			return false, scheduleError(err)
		}
	}

	if !reschedule {
		return false, nil
	}
	if !task.Enabled() {
		task.NextRunAt = nil
		return true, nil
	}
	next, err := recurrence.Next(task.CronExpr, task.Timezone, now)
	switch {
	case errors.Is(err, recurrence.ErrNoOccurrence):
		task.NextRunAt = nil
	case err != nil:
		return false, scheduleError(err)
	default:
		task.NextRunAt = &next
	}
	return true, nil
}

type validationError struct {
	code    string
	message string
	cause   error
}

func (e *validationError) Error() string { return e.message }
func (e *validationError) Unwrap() error { return e.cause }

func invalid(code, message string) error {
	return &validationError{code: code, message: message}
}

func scheduleError(err error) error {
	switch {
	case errors.Is(err, recurrence.ErrInvalidTimezone):
		return &validationError{code: codeInvalidTimezone, message: "Invalid timezone", cause: err}
	case errors.Is(err, recurrence.ErrIntervalTooShort):
		return &validationError{code: codeIntervalTooShort, message: "Cron expression fires more often than every 15 minutes", cause: err}
	default:
		return &validationError{code: codeInvalidExpression, message: "Invalid cron expression", cause: err}
	}
}

func (s *Server) validationResponse(w http.ResponseWriter, err error) {
	var ve *validationError
	if errors.As(err, &ve) {
		s.errorResponse(w, http.StatusBadRequest, ve.message, ve.code, ve.cause)
		return
	}
	s.errorResponse(w, http.StatusBadRequest, err.Error(), codeInvalidRequest, nil)
}

func (s *Server) lookupError(w http.ResponseWriter, notFoundMessage string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, notFoundMessage, codeNotFound, nil)
		return
	}
	s.internalError(w, "Failed to fetch "+strings.ToLower(strings.TrimSuffix(notFoundMessage, " not found")), err)
}

func (s *Server) internalError(w http.ResponseWriter, message string, err error) {
	s.logger.Error(message, zap.Error(err))
	s.errorResponse(w, http.StatusInternalServerError, message, codeInternal, nil)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}
