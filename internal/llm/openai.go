package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/kylemclaren/promptoncron/internal/config"
)

// OpenAI talks to the chat completions API of OpenAI or any compatible
// endpoint (DeepSeek, local gateways) selected by base URL.
type OpenAI struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewOpenAI creates an OpenAI-compatible provider
func NewOpenAI(cfg config.LLMConfig, httpClient *http.Client) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm.api_key is required for provider " + cfg.Provider)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm.model is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (o *OpenAI) Name() string {
	return "openai"
}

// Generate sends the system and user prompts as one chat completion
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
		MaxTokens:   openai.Int(o.maxTokens),
		Temperature: openai.Float(o.temperature),
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, CapabilityError(o.Name(), err)
	}
	if len(completion.Choices) == 0 {
		return nil, CapabilityError(o.Name(), errors.New("response has no choices"))
	}

	model := completion.Model
	if model == "" {
		model = o.model
	}
	return &Response{
		Model: model,
		Text:  completion.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}
