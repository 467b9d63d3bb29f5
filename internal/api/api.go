// Package api is the HTTP surface over the task, run and result stores.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/notify"
)

// Store is the persistence the API reads and writes
type Store interface {
	Ping(ctx context.Context) error
	CreateTask(ctx context.Context, task *db.Task) error
	GetTask(ctx context.Context, id string) (*db.Task, error)
	ListTasks(ctx context.Context) ([]*db.Task, error)
	UpdateTask(ctx context.Context, task *db.Task) error
	UpdateTaskDetails(ctx context.Context, task *db.Task) error
	DeleteTask(ctx context.Context, id string) error
	LastRunStatuses(ctx context.Context) (map[string]db.RunStatus, error)
	CreateManualRun(ctx context.Context, taskID string, now time.Time) (*db.Run, error)
	GetRun(ctx context.Context, id string) (*db.Run, error)
	ListTaskRuns(ctx context.Context, taskID string, limit int) ([]*db.Run, error)
	GetResultByRun(ctx context.Context, runID string) (*db.Result, error)
	GetSnapshotByRun(ctx context.Context, runID string) (*db.Snapshot, error)
}

// Server represents the API server
type Server struct {
	store       Store
	notifier    notify.Notifier
	minInterval time.Duration
	logger      *zap.Logger
	now         func() time.Time
	router      chi.Router
}

// NewServer creates a new API server. notifier may be nil, in which case
// manual runs are picked up by polling workers.
func NewServer(store Store, notifier notify.Notifier, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:       store,
		notifier:    notifier,
		minInterval: cfg.Scheduler.MinInterval,
		logger:      logger.Named("api"),
		now:         time.Now,
		router:      chi.NewRouter(),
	}
	s.setupRoutes(cfg.HTTP.CORSOrigins)
	return s
}

func (s *Server) setupRoutes(origins []string) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(origins))

	r.Get("/api/health", s.HealthCheck)

	r.Get("/api/tasks", s.ListTasks)
	r.Post("/api/tasks", s.CreateTask)
	r.Get("/api/tasks/{id}", s.GetTask)
	r.Patch("/api/tasks/{id}", s.UpdateTask)
	r.Delete("/api/tasks/{id}", s.DeleteTask)
	r.Get("/api/tasks/{id}/runs", s.GetTaskRuns)
	r.Post("/api/tasks/{id}/run", s.RunTask)

	r.Get("/api/runs/{id}", s.GetRun)
	r.Get("/api/runs/{id}/result", s.GetRunResult)
	r.Get("/api/runs/{id}/web_search_snapshot", s.GetRunSnapshot)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusNotFound, "Not found", codeNotFound, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed", nil)
	})
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
