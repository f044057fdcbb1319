// Package gemini wraps the Google Generative AI SDK for JSON generation and
// text embeddings.
package gemini

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client defines the Gemini operations used by the pipeline.
type Client interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// Config selects the models used by a Client.
type Config struct {
	Model          string
	EmbeddingModel string
	Temperature    float32
}

type sdkClient struct {
	client *genai.Client
	cfg    Config
}

// NewClient creates a Gemini client authenticated with apiKey.
func NewClient(ctx context.Context, apiKey string, cfg Config, opts ...option.ClientOption) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}

	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client, cfg: cfg}, nil
}

// GenerateJSON asks the model for a JSON document.
func (c *sdkClient) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	if c.cfg.Model == "" {
		return "", eris.New("gemini: no model configured")
	}

	model := c.client.GenerativeModel(c.cfg.Model)
	model.SetTemperature(c.cfg.Temperature)
	model.ResponseMIMEType = "application/json"
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", eris.Wrap(err, "gemini: generate content")
	}

	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	return cleanJSONBlock(text), nil
}

// Embed returns the embedding of text.
func (c *sdkClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cfg.EmbeddingModel == "" {
		return nil, eris.New("gemini: no embedding model configured")
	}

	em := c.client.EmbeddingModel(c.cfg.EmbeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: embed content")
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, eris.New("gemini: empty embedding")
	}
	return res.Embedding.Values, nil
}

// Close releases the underlying connection.
func (c *sdkClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", eris.Errorf("gemini: prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", eris.New("gemini: no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", eris.Errorf("gemini: no content in response (finish reason %s)", candidate.FinishReason)
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", eris.New("gemini: no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// cleanJSONBlock removes markdown code fences around a JSON payload.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// StatusCode extracts the HTTP status of a failed API call, or 0.
func StatusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
