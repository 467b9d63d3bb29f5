// Package executor claims queued runs and executes them: optional web
// search, one model call, table parsing and the terminal transition.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/llm"
	"github.com/kylemclaren/promptoncron/internal/notify"
	"github.com/kylemclaren/promptoncron/internal/search"
	"github.com/kylemclaren/promptoncron/internal/webhook"
)

// Store is the persistence the executor and reaper need
type Store interface {
	GetTask(ctx context.Context, id string) (*db.Task, error)
	GetRun(ctx context.Context, id string) (*db.Run, error)
	ClaimNext(ctx context.Context, now time.Time) (db.RunningRun, bool, error)
	SucceedRun(ctx context.Context, s db.SucceededRun, result *db.Result) error
	FailRun(ctx context.Context, f db.FailedRun) error
	SaveSnapshot(ctx context.Context, snap *db.Snapshot) error
	StalledRuns(ctx context.Context, cutoff time.Time) ([]db.RunningRun, error)
	RequeueRun(ctx context.Context, r db.RunningRun) (db.QueuedRun, error)
	RunningBefore(ctx context.Context, r db.RunningRun) (bool, error)
}

var (
	errTaskNotFound    = errors.New("task not found")
	errSkippedDisabled = errors.New("skipped: task disabled")
	errSkippedOverlap  = errors.New("skipped: overlapping run")
)

// Executor runs queued runs on a pool of workers
type Executor struct {
	store    Store
	model    llm.Model
	searcher search.Searcher
	notifier notify.Notifier
	hooks    *webhook.Hooks
	limiter  *rate.Limiter
	cfg      config.ExecutorConfig
	pricing  config.LLMConfig
	results  int
	redact   *Redactor
	logger   *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New creates an executor. searcher, notifier and hooks may be nil.
func New(store Store, model llm.Model, searcher search.Searcher, notifier notify.Notifier, hooks *webhook.Hooks, cfg *config.Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.LLM.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.LLM.RequestsPerSecond)
	}
	burst := cfg.LLM.Burst
	if burst < 1 {
		burst = 1
	}
	results := cfg.Search.MaxResults
	if results <= 0 {
		results = 5
	}
	return &Executor{
		store:    store,
		model:    model,
		searcher: searcher,
		notifier: notifier,
		hooks:    hooks,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg.Executor,
		pricing:  cfg.LLM,
		results:  results,
		redact:   NewRedactor(cfg.Secrets()...),
		logger:   logger.Named("executor"),
		now:      time.Now,
	}
}

// Start launches the configured number of workers. Workers stop claiming
// new runs once ctx is done; runs already in flight are finished.
func (e *Executor) Start(ctx context.Context) {
	var wakeups <-chan string
	if e.notifier != nil {
		ch, err := e.notifier.Subscribe(ctx)
		if err != nil {
			e.logger.Warn("Run wakeups unavailable, polling only", zap.Error(err))
		} else {
			wakeups = ch
		}
	}

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i, wakeups)
	}
	e.logger.Info("Executor started", zap.Int("workers", workers), zap.String("model", e.model.Name()))
}

// Wait blocks until every worker has returned
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) worker(ctx context.Context, id int, wakeups <-chan string) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker", id))

	poll := e.cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		run, ok, err := e.store.ClaimNext(ctx, e.now())
		if err != nil && ctx.Err() == nil {
			logger.Error("Failed to claim run", zap.Error(err))
		}
		if ok {
			if err := e.Execute(context.WithoutCancel(ctx), run); err != nil {
				logger.Error("Run execution failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return
		case _, open := <-wakeups:
			if !open {
				wakeups = nil
			}
		case <-timer.C:
		}
	}
}

// Execute drives a claimed run to a terminal state. The returned error is
// only non-nil when the store could not record the outcome; execution
// failures are recorded on the run. Search, rate limiting and the model call
// share one run deadline that ends before the reaper would see the run as
// stalled.
func (e *Executor) Execute(ctx context.Context, run db.RunningRun) error {
	logger := e.logger.With(
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.Int("attempt", run.Attempt),
	)

	task, err := e.store.GetTask(ctx, run.TaskID)
	if errors.Is(err, db.ErrNotFound) {
		return e.fail(ctx, logger, nil, run, errTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if !task.Enabled() && run.Trigger == db.TriggerSchedule {
		return e.fail(ctx, logger, task, run, errSkippedDisabled)
	}
	busy, err := e.store.RunningBefore(ctx, run)
	if err != nil {
		return fmt.Errorf("failed to check overlapping runs: %w", err)
	}
	if busy {
		return e.fail(ctx, logger, task, run, errSkippedOverlap)
	}

	runCtx := ctx
	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	var webBlock string
	if task.WebSearchEnabled {
		webBlock = e.webSearch(runCtx, logger, task, run)
	}

	if err := e.limiter.Wait(runCtx); err != nil {
		if runCtx.Err() != nil {
			err = runCtx.Err()
		}
		return e.fail(ctx, logger, task, run, llm.CapabilityError(e.model.Name(), err))
	}

	start := time.Now()
	resp, err := withTimeout(runCtx, e.cfg.CallTimeout, func(ctx context.Context) (*llm.Response, error) {
		return e.model.Generate(ctx, llm.Request{
			System:   llm.SystemPrompt,
			Prompt:   llm.BuildUserPrompt(task.Prompt, webBlock),
			TaskName: task.Name,
		})
	})
	if err != nil {
		if !errors.Is(err, llm.ErrCapability) {
			err = llm.CapabilityError(e.model.Name(), err)
		}
		return e.fail(ctx, logger, task, run, err)
	}
	logger.Debug("Model call finished",
		zap.String("model", resp.Model),
		zap.Duration("duration", time.Since(start)),
		zap.Int64("tokens", resp.Usage.Total()))

	table, err := llm.ParseTable(resp.Text)
	if err != nil {
		return e.fail(ctx, logger, task, run, err)
	}

	result := toResult(table)
	outcome := db.Outcome{
		LLMModel: resp.Model,
		TokenUsage: db.TokenUsage{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.Total(),
		},
		CostEstimate: e.cost(resp.Usage),
	}
	if err := e.store.SucceedRun(ctx, run.Succeed(e.now(), outcome), result); err != nil {
		if errors.Is(err, db.ErrRunNotClaimed) {
			logger.Warn("Run was reclaimed before it finished, dropping outcome")
			return nil
		}
		return fmt.Errorf("failed to record success: %w", err)
	}

	logger.Info("Run succeeded",
		zap.Int("rows", len(result.Rows)),
		zap.Int("schema_version", result.SchemaVersion))
	finished(ctx, e.store, e.hooks, logger, task, run.ID, result)
	return nil
}

func (e *Executor) fail(ctx context.Context, logger *zap.Logger, task *db.Task, run db.RunningRun, cause error) error {
	msg := e.redact.Message(cause.Error())
	if err := e.store.FailRun(ctx, run.Fail(e.now(), msg)); err != nil {
		if errors.Is(err, db.ErrRunNotClaimed) {
			logger.Warn("Run was reclaimed before it finished, dropping outcome")
			return nil
		}
		return fmt.Errorf("failed to record failure: %w", err)
	}
	logger.Warn("Run failed", zap.String("error", msg))
	if task != nil {
		finished(ctx, e.store, e.hooks, logger, task, run.ID, nil)
	}
	return nil
}

// webSearch runs the search for a task, stores the snapshot and returns the
// block to append to the prompt. A failed search yields an empty block. The
// snapshot is stored even when ctx has already expired.
func (e *Executor) webSearch(ctx context.Context, logger *zap.Logger, task *db.Task, run db.RunningRun) string {
	query := search.Query(task.Name, task.Prompt)
	snap := &db.Snapshot{RunID: run.ID, Query: query, Status: db.SnapshotOK}

	var (
		items []search.Item
		err   error
	)
	if e.searcher == nil {
		err = llm.CapabilityError("search", errors.New("no search provider configured"))
	} else {
		items, err = withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) ([]search.Item, error) {
			return e.searcher.Search(ctx, query, e.results)
		})
		if err != nil && !errors.Is(err, llm.ErrCapability) {
			err = llm.CapabilityError("search", err)
		}
	}

	if err != nil {
		msg := e.redact.Message(err.Error())
		snap.Status = db.SnapshotFailed
		snap.ErrorMessage = &msg
		logger.Warn("Web search failed, continuing without results", zap.String("error", msg))
	} else {
		for _, it := range items {
			snap.Results = append(snap.Results, db.SearchItem{Title: it.Title, URL: it.URL, Snippet: it.Snippet})
		}
	}

	if err := e.store.SaveSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		logger.Warn("Failed to save web search snapshot", zap.Error(err))
	}
	if snap.Status != db.SnapshotOK {
		return ""
	}

	results := snap.Results
	if results == nil {
		results = []db.SearchItem{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return ""
	}
	return llm.WrapWebResults(string(raw))
}

// cost prices usage with the configured per-million-token rates. It is nil
// when no price is configured.
func (e *Executor) cost(u llm.Usage) *float64 {
	if e.pricing.InputCostPerMTok <= 0 && e.pricing.OutputCostPerMTok <= 0 {
		return nil
	}
	c := (float64(u.InputTokens)*e.pricing.InputCostPerMTok + float64(u.OutputTokens)*e.pricing.OutputCostPerMTok) / 1e6
	c = math.Round(c*1e6) / 1e6
	return &c
}

func toResult(t *llm.Table) *db.Result {
	r := &db.Result{Summary: t.Summary}
	for _, c := range t.Columns {
		r.Columns = append(r.Columns, db.Column{Key: c.Key, Label: c.Label, Type: db.ColumnType(c.Type)})
	}
	for _, row := range t.Rows {
		r.Rows = append(r.Rows, db.Row(row))
	}
	return r
}

// withTimeout runs fn under a deadline and returns as soon as the deadline
// passes, even if fn ignores its context.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}

// finished fires webhooks for a run that reached a terminal state
func finished(ctx context.Context, store Store, hooks *webhook.Hooks, logger *zap.Logger, task *db.Task, runID string, result *db.Result) {
	if !hooks.Enabled() {
		return
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		logger.Warn("Failed to load finished run for webhooks", zap.Error(err))
		return
	}
	hooks.RunFinished(ctx, webhook.Finished{Task: task, Run: run, Result: result})
}
