// Package enrich annotates saved articles with a generation provider under a
// shared concurrency and rate budget.
package enrich

import (
	"context"

	"github.com/sells-group/ainews/internal/resilience"
	"github.com/sells-group/ainews/pkg/anthropic"
	"github.com/sells-group/ainews/pkg/gemini"
	"github.com/sells-group/ainews/pkg/openai"
)

// Provider generates a JSON document for a prompt. Failures are returned as
// *resilience.ProviderError so callers can act on the classification.
type Provider interface {
	Name() string
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type geminiProvider struct {
	client gemini.Client
}

// NewGeminiProvider adapts a Gemini client.
func NewGeminiProvider(c gemini.Client) Provider {
	return &geminiProvider{client: c}
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	out, err := p.client.GenerateJSON(ctx, system, prompt)
	if err != nil {
		return "", resilience.NewProviderError(p.Name(), gemini.StatusCode(err), err)
	}
	return out, nil
}

type openaiProvider struct {
	client openai.Client
}

// NewOpenAIProvider adapts an OpenAI client.
func NewOpenAIProvider(c openai.Client) Provider {
	return &openaiProvider{client: c}
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	out, err := p.client.GenerateJSON(ctx, system, prompt)
	if err != nil {
		return "", resilience.NewProviderError(p.Name(), openai.StatusCode(err), err)
	}
	return out, nil
}

type anthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider adapts an Anthropic client.
func NewAnthropicProvider(c anthropic.Client) Provider {
	return &anthropicProvider{client: c}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	out, err := p.client.GenerateJSON(ctx, system, prompt)
	if err != nil {
		return "", resilience.NewProviderError(p.Name(), anthropic.StatusCode(err), err)
	}
	return out, nil
}
