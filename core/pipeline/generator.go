package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"github.com/siherrmann/docsalud/model"
)

// GenerationProvider is one link of a GenerationChain.
type GenerationProvider struct {
	Name     string
	Generate GenerateFunc
}

// GenerationChain asks its providers in order and returns the first answer.
type GenerationChain struct {
	providers []GenerationProvider
	retrier   *Retrier
	logger    *slog.Logger
	observe   func(provider string, err error)
}

func NewGenerationChain(retrier *Retrier, logger *slog.Logger, providers ...GenerationProvider) *GenerationChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationChain{
		providers: providers,
		retrier:   retrier,
		logger:    logger,
	}
}

// SetObserver sets a callback that sees the outcome of every provider call.
func (c *GenerationChain) SetObserver(observe func(provider string, err error)) {
	c.observe = observe
}

// Generate returns the generation and the name of the provider that produced it.
// It returns model.ErrProviderChainExhausted when no provider answered.
func (c *GenerationChain) Generate(ctx context.Context, prompt Prompt) (*Generation, string, error) {
	errs := []error{model.ErrProviderChainExhausted}
	for _, provider := range c.providers {
		generation, err := c.call(ctx, provider, prompt)
		if c.observe != nil {
			c.observe(provider.Name, err)
		}
		if err == nil {
			return generation, provider.Name, nil
		}

		c.logger.Warn("Generation provider failed", slog.String("provider", provider.Name), slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

func (c *GenerationChain) call(ctx context.Context, provider GenerationProvider, prompt Prompt) (*Generation, error) {
	var generation *Generation
	var err error
	if c.retrier != nil {
		generation, err = Retry(ctx, c.retrier, "generate "+provider.Name, func(ctx context.Context) (*Generation, error) {
			return provider.Generate(ctx, prompt)
		})
	} else {
		generation, err = provider.Generate(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}
	if generation == nil || strings.TrimSpace(generation.Text) == "" {
		return nil, fmt.Errorf("%w: empty answer", model.ErrProviderUnavailable)
	}
	generation.Text = strings.TrimSpace(generation.Text)
	return generation, nil
}

// OpenAIConfig configures an OpenAI compatible chat provider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIGenerator answers prompts with an OpenAI compatible chat completion endpoint.
func OpenAIGenerator(config OpenAIConfig) (GenerateFunc, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key is required", model.ErrInvalidInput)
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	return func(ctx context.Context, prompt Prompt) (*Generation, error) {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: config.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
				{Role: openai.ChatMessageRoleUser, Content: prompt.User},
			},
			Temperature: config.Temperature,
			MaxTokens:   config.MaxTokens,
		})
		if err != nil {
			return nil, providerError(ctx, "openai", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("%w: openai returned no choices", model.ErrProviderUnavailable)
		}
		return &Generation{Text: resp.Choices[0].Message.Content}, nil
	}, nil
}

// AnthropicConfig configures the Anthropic messages provider.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// AnthropicGenerator answers prompts with the Anthropic messages API.
func AnthropicGenerator(config AnthropicConfig) (GenerateFunc, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key is required", model.ErrInvalidInput)
	}
	if config.Model == "" {
		config.Model = "claude-3-5-haiku-latest"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return func(ctx context.Context, prompt Prompt) (*Generation, error) {
		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(config.Model),
			MaxTokens: config.MaxTokens,
			System:    []anthropic.TextBlockParam{{Text: prompt.System}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
			},
		})
		if err != nil {
			return nil, providerError(ctx, "anthropic", err)
		}

		var text strings.Builder
		for _, block := range message.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &Generation{Text: text.String()}, nil
	}, nil
}

// providerError maps a client error onto the provider failure taxonomy.
func providerError(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", model.ErrProviderTimeout, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrProviderUnavailable, provider, err)
}
