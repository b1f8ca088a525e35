package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

const defaultSystemPrompt = "You are a routing planner for an MCP tool gateway. Answer with exactly what the user prompt asks for and nothing else."

// Completer adapts an eino chat model to the single-prompt completion interface.
type Completer struct {
	model    model.BaseChatModel
	provider string
	name     string
	timeout  time.Duration
	metrics  domain.Metrics
	logger   *zap.Logger
}

var _ domain.Completer = (*Completer)(nil)

type Options struct {
	Model    model.BaseChatModel
	Provider string
	Name     string
	Timeout  time.Duration
	Metrics  domain.Metrics
	Logger   *zap.Logger
}

func NewCompleter(opts Options) *Completer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultLLMTimeout
	}
	provider := opts.Provider
	if provider == "" {
		provider = "openai"
	}
	return &Completer{
		model:    opts.Model,
		provider: provider,
		name:     opts.Name,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger.Named("llm"),
	}
}

// New builds a Completer from configuration. It returns nil, nil when no model is configured,
// which routes every request through vector search.
func New(ctx context.Context, cfg domain.LLMConfig, metrics domain.Metrics, logger *zap.Logger) (*Completer, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	chatModel, err := initializeModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewCompleter(Options{
		Model:    chatModel,
		Provider: cfg.Provider,
		Name:     cfg.Model,
		Timeout:  cfg.Timeout,
		Metrics:  metrics,
		Logger:   logger,
	}), nil
}

// Complete sends prompt as a single user turn and returns the reply text.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.model == nil {
		return "", domain.E(domain.CodeLLMUnavailable, "llm.complete", "", domain.ErrLLMUnavailable)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []*schema.Message{
		schema.SystemMessage(defaultSystemPrompt),
		schema.UserMessage(prompt),
	}
	started := time.Now()
	response, err := c.model.Generate(callCtx, messages)
	c.metrics.ObserveLLMLatency(c.provider, c.name, time.Since(started), err)
	if err != nil {
		c.logger.Debug("completion failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return "", domain.E(domain.CodeLLMUnavailable, "llm.complete", "", fmt.Errorf("%w: %w", domain.ErrLLMUnavailable, err))
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", domain.E(domain.CodeLLMUnavailable, "llm.complete", "empty completion", domain.ErrLLMUnavailable)
	}
	return response.Content, nil
}

func initializeModel(ctx context.Context, cfg domain.LLMConfig) (model.BaseChatModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envVar := strings.TrimSpace(cfg.APIKeyEnv)
		if envVar == "" {
			return nil, fmt.Errorf("API key is required: set llm.api_key or llm.api_key_env")
		}
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in env var %s", envVar)
		}
	}

	switch cfg.Provider {
	case "openai", "":
		modelCfg := &openai.ChatModelConfig{
			Model:  cfg.Model,
			APIKey: apiKey,
		}
		if cfg.BaseURL != "" {
			modelCfg.BaseURL = cfg.BaseURL
		}
		return openai.NewChatModel(ctx, modelCfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
