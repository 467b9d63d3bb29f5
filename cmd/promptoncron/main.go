package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/api"
	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/executor"
	"github.com/kylemclaren/promptoncron/internal/llm"
	"github.com/kylemclaren/promptoncron/internal/logging"
	"github.com/kylemclaren/promptoncron/internal/notify"
	"github.com/kylemclaren/promptoncron/internal/scheduler"
	"github.com/kylemclaren/promptoncron/internal/search"
	"github.com/kylemclaren/promptoncron/internal/tui"
	"github.com/kylemclaren/promptoncron/internal/version"
	"github.com/kylemclaren/promptoncron/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "serve":
		err = run(cmd, args, true, true, true)
	case "scheduler":
		err = run(cmd, args, false, true, false)
	case "worker":
		err = run(cmd, args, false, false, true)
	case "watch":
		err = watch(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	addr       string
}

func parseFlags(name string, args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to config file (default: ./config.yaml)")
	fs.StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides http.addr)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// components opens everything the engine shares between roles
type components struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *db.DB
	notifier notify.Notifier
	hooks    *webhook.Hooks
}

func open(name string, args []string) (*components, error) {
	opts, err := parseFlags(name, args)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.addr != "" {
		cfg.HTTP.Addr = opts.addr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := db.Open(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting %s broker: %w", cfg.Notify.Broker, err)
	}

	return &components{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		notifier: notifier,
		hooks:    webhook.New(cfg.Webhooks, logger),
	}, nil
}

func (c *components) close() {
	if err := c.notifier.Close(); err != nil {
		c.logger.Warn("Failed to close notifier", zap.Error(err))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = c.logger.Sync()
}

// run starts the selected roles in one process and blocks until SIGINT or
// SIGTERM. Any role may run in several processes against the same database.
func run(name string, args []string, withAPI, withScheduler, withWorkers bool) error {
	c, err := open(name, args)
	if err != nil {
		return err
	}
	defer c.close()

	logger := c.logger
	logger.Info("Starting promptoncron",
		zap.String("version", version.Version),
		zap.String("role", name),
		zap.String("database", c.cfg.Database.Path),
		zap.String("broker", c.cfg.Notify.Broker))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var exec *executor.Executor
	if withWorkers {
		model, err := llm.New(c.cfg.LLM)
		if err != nil {
			return fmt.Errorf("configuring llm: %w", err)
		}
		var searcher search.Searcher
		if c.cfg.Search.TavilyAPIKey != "" {
			searcher = &search.Tavily{
				APIKey:  c.cfg.Search.TavilyAPIKey,
				BaseURL: c.cfg.Search.BaseURL,
				Timeout: c.cfg.Search.Timeout,
			}
		} else {
			logger.Info("No search provider configured; web search tasks will run without results")
		}
		exec = executor.New(c.store, model, searcher, c.notifier, c.hooks, c.cfg, logger)
		exec.Start(ctx)
	}

	var sched *scheduler.Scheduler
	if withScheduler {
		reaper := executor.NewReaper(c.store, c.notifier, c.hooks, c.cfg.Executor, logger)
		sched = scheduler.New(c.store, reaper, c.notifier, c.cfg.Scheduler, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if withAPI {
		server := api.NewServer(c.store, c.notifier, c.cfg, logger)
		srv = &http.Server{
			Addr:              c.cfg.HTTP.Addr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-serveErr:
		logger.Error("HTTP server failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}
	if sched != nil {
		sched.Stop()
	}
	if exec != nil {
		done := make(chan struct{})
		go func() {
			exec.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			// Abandoned runs are reclaimed by the reaper once they stall.
			logger.Warn("Timed out waiting for in-flight runs")
		}
	}
	return runErr
}

// watch runs the terminal dashboard against the configured database
func watch(args []string) error {
	c, err := open("watch", args)
	if err != nil {
		return err
	}
	defer c.close()
	return tui.Run(c.store, c.notifier)
}

func printHelp() {
	fmt.Println(`promptoncron - Run LLM prompts on cron schedules and keep the results as tables

Usage:
  promptoncron [serve]      Run the HTTP API, scheduler and workers in one process
  promptoncron scheduler    Run only the scheduler loop and orphan reaper
  promptoncron worker       Run only the run executor workers
  promptoncron watch        Open the terminal dashboard
  promptoncron version      Show version information
  promptoncron help         Show this help message

Options:
  --config                  Path to a YAML config file (default: ./config.yaml)
  --addr                    HTTP listen address (default: :8000)

Environment Variables:
  PROMPTONCRON_DATA         Override data directory (default: ~/.promptoncron)
  PROMPTONCRON_*            Override any config key, e.g. PROMPTONCRON_LLM_API_KEY`)
}
