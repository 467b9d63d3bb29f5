// Package llm is the model capability used by the run executor. Providers
// implement Model; the executor never depends on a concrete provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/promptoncron/internal/config"
)

var (
	// ErrCapability wraps any failure of a model or search provider, timeouts included
	ErrCapability = errors.New("capability error")

	// ErrMalformedOutput is returned when the model response does not parse into a table
	ErrMalformedOutput = errors.New("malformed structured output")
)

// Request is one structured-table generation call
type Request struct {
	System string
	Prompt string
	// TaskName is only used by the mock provider.
	TaskName string
}

// Usage is the token accounting reported by a provider
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the raw provider answer
type Response struct {
	Model string
	Text  string
	Usage Usage
}

// Model generates a structured table response for a prompt
type Model interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// CapabilityError wraps err so that errors.Is(err, ErrCapability) holds.
func CapabilityError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out: %v", ErrCapability, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrCapability, provider, err)
}

const (
	defaultMaxTokens   = 2000
	defaultHTTPTimeout = 5 * time.Minute
	deepSeekBaseURL    = "https://api.deepseek.com"
)

// New builds the provider selected by cfg.Provider.
func New(cfg config.LLMConfig) (Model, error) {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	switch cfg.Provider {
	case "", "mock":
		return NewMock(time.Now), nil
	case "openai":
		return NewOpenAI(cfg, httpClient)
	case "deepseek":
		if cfg.BaseURL == "" {
			cfg.BaseURL = deepSeekBaseURL
		}
		return NewOpenAI(cfg, httpClient)
	case "anthropic":
		return NewAnthropic(cfg, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
