// Package config loads promptoncron settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kylemclaren/promptoncron/internal/recurrence"
)

// EnvPrefix is prepended to every environment override, e.g. PROMPTONCRON_LLM_API_KEY.
const EnvPrefix = "PROMPTONCRON"

// Config holds all runtime settings.
type Config struct {
	Log       LogConfig
	Database  DatabaseConfig
	HTTP      HTTPConfig
	Scheduler SchedulerConfig
	Executor  ExecutorConfig
	LLM       LLMConfig
	Search    SearchConfig
	Notify    NotifyConfig
	Webhooks  WebhookConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
}

// SchedulerConfig controls the scheduler loop.
type SchedulerConfig struct {
	Tick        time.Duration
	CatchUp     bool
	MinInterval time.Duration
}

// ExecutorConfig controls the run executor workers.
type ExecutorConfig struct {
	Workers        int
	PollInterval   time.Duration
	CallTimeout    time.Duration
	RunTimeout     time.Duration // whole run: search, rate limit wait and model call
	StallThreshold time.Duration
	MaxReclaims    int
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	MaxTokens         int
	Temperature       float64
	MaxRetries        int
	RequestsPerSecond float64
	Burst             int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

type SearchConfig struct {
	TavilyAPIKey string
	BaseURL      string
	MaxResults   int
	Timeout      time.Duration
}

// NotifyConfig selects the broker used for run-queued wakeups.
type NotifyConfig struct {
	Broker   string
	NATSURL  string
	RedisURL string
	Subject  string
}

type WebhookConfig struct {
	SlackURL   string
	DiscordURL string
	PublicURL  string
}

// Providers supported by the llm package.
var Providers = []string{"mock", "openai", "deepseek", "anthropic"}

// Brokers supported by the notify package.
var Brokers = []string{"local", "nats", "redis"}

// DefaultDataDir returns the directory holding the database by default.
func DefaultDataDir() string {
	if dir := os.Getenv("PROMPTONCRON_DATA"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptoncron"
	}
	return filepath.Join(home, ".promptoncron")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.path", filepath.Join(DefaultDataDir(), "promptoncron.db"))
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("scheduler.tick", 30*time.Second)
	v.SetDefault("scheduler.catch_up", false)
	v.SetDefault("scheduler.min_interval", 15*time.Minute)

	v.SetDefault("executor.workers", 2)
	v.SetDefault("executor.poll_interval", 2*time.Second)
	v.SetDefault("executor.call_timeout", 3*time.Minute)
	v.SetDefault("executor.run_timeout", 8*time.Minute)
	v.SetDefault("executor.stall_threshold", 10*time.Minute)
	v.SetDefault("executor.max_reclaims", 1)

	v.SetDefault("llm.provider", "mock")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_retries", 0)
	v.SetDefault("llm.requests_per_second", 1.0)
	v.SetDefault("llm.burst", 2)
	v.SetDefault("llm.input_cost_per_mtok", 0.0)
	v.SetDefault("llm.output_cost_per_mtok", 0.0)

	v.SetDefault("search.tavily_api_key", "")
	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", 20*time.Second)

	v.SetDefault("notify.broker", "local")
	v.SetDefault("notify.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("notify.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("notify.subject", "promptoncron.runs.queued")

	v.SetDefault("webhooks.slack_url", "")
	v.SetDefault("webhooks.discord_url", "")
	v.SetDefault("webhooks.public_url", "")
}

// Load reads configuration from path, or from config.yaml in the working
// directory or ./config when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Database: DatabaseConfig{
			Path:        v.GetString("database.path"),
			BusyTimeout: v.GetDuration("database.busy_timeout"),
		},
		HTTP: HTTPConfig{
			Addr:        v.GetString("http.addr"),
			CORSOrigins: v.GetStringSlice("http.cors_origins"),
		},
		Scheduler: SchedulerConfig{
			Tick:        v.GetDuration("scheduler.tick"),
			CatchUp:     v.GetBool("scheduler.catch_up"),
			MinInterval: v.GetDuration("scheduler.min_interval"),
		},
		Executor: ExecutorConfig{
			Workers:        v.GetInt("executor.workers"),
			PollInterval:   v.GetDuration("executor.poll_interval"),
			CallTimeout:    v.GetDuration("executor.call_timeout"),
			RunTimeout:     v.GetDuration("executor.run_timeout"),
			StallThreshold: v.GetDuration("executor.stall_threshold"),
			MaxReclaims:    v.GetInt("executor.max_reclaims"),
		},
		LLM: LLMConfig{
			Provider:          strings.ToLower(v.GetString("llm.provider")),
			Model:             v.GetString("llm.model"),
			APIKey:            v.GetString("llm.api_key"),
			BaseURL:           v.GetString("llm.base_url"),
			MaxTokens:         v.GetInt("llm.max_tokens"),
			Temperature:       v.GetFloat64("llm.temperature"),
			MaxRetries:        v.GetInt("llm.max_retries"),
			RequestsPerSecond: v.GetFloat64("llm.requests_per_second"),
			Burst:             v.GetInt("llm.burst"),
			InputCostPerMTok:  v.GetFloat64("llm.input_cost_per_mtok"),
			OutputCostPerMTok: v.GetFloat64("llm.output_cost_per_mtok"),
		},
		Search: SearchConfig{
			TavilyAPIKey: v.GetString("search.tavily_api_key"),
			BaseURL:      v.GetString("search.base_url"),
			MaxResults:   v.GetInt("search.max_results"),
			Timeout:      v.GetDuration("search.timeout"),
		},
		Notify: NotifyConfig{
			Broker:   strings.ToLower(v.GetString("notify.broker")),
			NATSURL:  v.GetString("notify.nats_url"),
			RedisURL: v.GetString("notify.redis_url"),
			Subject:  v.GetString("notify.subject"),
		},
		Webhooks: WebhookConfig{
			SlackURL:   v.GetString("webhooks.slack_url"),
			DiscordURL: v.GetString("webhooks.discord_url"),
			PublicURL:  strings.TrimRight(v.GetString("webhooks.public_url"), "/"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if !contains(Providers, c.LLM.Provider) {
		return fmt.Errorf("unsupported llm.provider %q (want one of %s)", c.LLM.Provider, strings.Join(Providers, ", "))
	}
	if !contains(Brokers, c.Notify.Broker) {
		return fmt.Errorf("unsupported notify.broker %q (want one of %s)", c.Notify.Broker, strings.Join(Brokers, ", "))
	}
	durations := map[string]time.Duration{
		"scheduler.tick":           c.Scheduler.Tick,
		"executor.poll_interval":   c.Executor.PollInterval,
		"executor.call_timeout":    c.Executor.CallTimeout,
		"executor.run_timeout":     c.Executor.RunTimeout,
		"executor.stall_threshold": c.Executor.StallThreshold,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Executor.CallTimeout > c.Executor.RunTimeout {
		return fmt.Errorf("executor.call_timeout (%s) must not exceed executor.run_timeout (%s)",
			c.Executor.CallTimeout, c.Executor.RunTimeout)
	}
	// A run still inside its deadline must never look stalled to the reaper.
	if c.Executor.RunTimeout >= c.Executor.StallThreshold {
		return fmt.Errorf("executor.run_timeout (%s) must be shorter than executor.stall_threshold (%s)",
			c.Executor.RunTimeout, c.Executor.StallThreshold)
	}
	if c.Scheduler.MinInterval < recurrence.MinInterval {
		return fmt.Errorf("scheduler.min_interval must be at least %s, got %s",
			recurrence.MinInterval, c.Scheduler.MinInterval)
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1, got %d", c.Executor.Workers)
	}
	if c.Executor.MaxReclaims < 0 {
		return fmt.Errorf("executor.max_reclaims must not be negative, got %d", c.Executor.MaxReclaims)
	}
	return nil
}

// Secrets returns the configured credentials that must never be persisted.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.LLM.APIKey, c.Search.TavilyAPIKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
