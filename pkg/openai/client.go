// Package openai wraps the OpenAI chat completions API for JSON generation.
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	sdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Client defines the OpenAI operations used by enrichment.
type Client interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
}

// Config configures a Client.
type Config struct {
	Model       string
	BaseURL     string
	Temperature float32
}

type sdkClient struct {
	client *sdk.Client
	cfg    Config
}

// NewClient creates an OpenAI client. An empty BaseURL uses the public API.
func NewClient(apiKey string, cfg Config) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("openai: api key is required")
	}
	if cfg.Model == "" {
		return nil, eris.New("openai: model is required")
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}

	sc := sdk.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		sc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &sdkClient{client: sdk.NewClientWithConfig(sc), cfg: cfg}, nil
}

// GenerateJSON requests a chat completion constrained to a JSON object.
func (c *sdkClient) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]sdk.ChatCompletionMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleUser, Content: prompt})

	resp, err := c.client.CreateChatCompletion(ctx, sdk.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		ResponseFormat: &sdk.ChatCompletionResponseFormat{
			Type: sdk.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", eris.New("openai: no choices in response")
	}

	zap.L().Debug("openai: completion",
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", eris.Errorf("openai: empty content (finish reason %s)", resp.Choices[0].FinishReason)
	}
	return content, nil
}

// StatusCode extracts the HTTP status of a failed API call, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
