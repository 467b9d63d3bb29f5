package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.MinInterval)
	assert.Equal(t, 10*time.Minute, cfg.Executor.StallThreshold)
	assert.Equal(t, 8*time.Minute, cfg.Executor.RunTimeout)
	assert.Equal(t, 1, cfg.Executor.MaxReclaims)
	assert.Equal(t, 5, cfg.Search.MaxResults)
	assert.Equal(t, "local", cfg.Notify.Broker)
	assert.Equal(t, ":8000", cfg.HTTP.Addr)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promptoncron.yaml")
	content := `
llm:
  provider: OpenAI
  model: gpt-4o
  api_key: sk-file
executor:
  workers: 4
  call_timeout: 90s
notify:
  broker: nats
webhooks:
  public_url: https://cron.example.com/
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("PROMPTONCRON_LLM_API_KEY", "sk-env")
	t.Setenv("PROMPTONCRON_SEARCH_TAVILY_API_KEY", "tvly-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 90*time.Second, cfg.Executor.CallTimeout)
	assert.Equal(t, "nats", cfg.Notify.Broker)
	assert.Equal(t, "https://cron.example.com", cfg.Webhooks.PublicURL)
	assert.ElementsMatch(t, []string{"sk-env", "tvly-env"}, cfg.Secrets())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Scheduler: SchedulerConfig{Tick: time.Second, MinInterval: 15 * time.Minute},
			Executor: ExecutorConfig{
				Workers:        1,
				PollInterval:   time.Second,
				CallTimeout:    time.Minute,
				RunTimeout:     3 * time.Minute,
				StallThreshold: 10 * time.Minute,
			},
			LLM:    LLMConfig{Provider: "mock"},
			Notify: NotifyConfig{Broker: "local"},
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gemini" }},
		{"unknown broker", func(c *Config) { c.Notify.Broker = "kafka" }},
		{"zero tick", func(c *Config) { c.Scheduler.Tick = 0 }},
		{"call timeout above run timeout", func(c *Config) { c.Executor.CallTimeout = 4 * time.Minute }},
		{"zero run timeout", func(c *Config) { c.Executor.RunTimeout = 0 }},
		{"run timeout not below stall threshold", func(c *Config) { c.Executor.RunTimeout = 10 * time.Minute }},
		{"two call timeouts outlive stall threshold", func(c *Config) {
			c.Executor.CallTimeout = 6 * time.Minute
			c.Executor.RunTimeout = 12 * time.Minute
		}},
		{"min interval below floor", func(c *Config) { c.Scheduler.MinInterval = time.Minute }},
		{"min interval disabled", func(c *Config) { c.Scheduler.MinInterval = 0 }},
		{"no workers", func(c *Config) { c.Executor.Workers = 0 }},
		{"negative reclaims", func(c *Config) { c.Executor.MaxReclaims = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsShortMinInterval(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROMPTONCRON_SCHEDULER_MIN_INTERVAL", "1m")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.min_interval")

	t.Setenv("PROMPTONCRON_SCHEDULER_MIN_INTERVAL", "1h")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Scheduler.MinInterval)
}
