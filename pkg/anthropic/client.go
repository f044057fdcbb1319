// Package anthropic wraps the Anthropic Messages API for JSON generation.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the Anthropic operations used by enrichment.
type Client interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
}

// Config configures a Client.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// CacheTTL sets a cache breakpoint on the system prompt ("5m" or "1h").
	// Empty disables prompt caching.
	CacheTTL string
}

// Usage tracks token consumption of one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {1.00, 5.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD. Returns 0 for unknown
// models.
func (u Usage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) / 1e6 * pricing[0]
	out := float64(u.OutputTokens) / 1e6 * pricing[1]
	write := float64(u.CacheWriteTokens) / 1e6 * pricing[0] * 1.25
	read := float64(u.CacheReadTokens) / 1e6 * pricing[0] * 0.1
	return in + out + write + read
}

type sdkClient struct {
	client sdk.Client
	cfg    Config
}

// NewClient creates an Anthropic client backed by the SDK. SDK-level retries
// are disabled; callers own the retry schedule.
func NewClient(apiKey string, cfg Config, opts ...option.RequestOption) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, eris.New("anthropic: model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &sdkClient{client: sdk.NewClient(opts...), cfg: cfg}, nil
}

// GenerateJSON sends prompt as a single user turn and returns the joined text
// of the reply with any markdown fence removed.
func (c *sdkClient) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = systemBlocks(system, c.cfg.CacheTTL)
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(c.cfg.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", eris.Wrap(err, "anthropic: create message")
	}

	usage := usageOf(msg)
	zap.L().Debug("anthropic: usage",
		zap.String("model", c.cfg.Model),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Int64("cache_write_tokens", usage.CacheWriteTokens),
		zap.Int64("cache_read_tokens", usage.CacheReadTokens),
		zap.Float64("estimated_cost_usd", usage.EstimateCost(c.cfg.Model)),
	)

	text := textOf(msg)
	if text == "" {
		return "", eris.Errorf("anthropic: empty response (stop reason %s)", msg.StopReason)
	}
	return cleanJSONBlock(text), nil
}

func systemBlocks(text, ttl string) []sdk.TextBlockParam {
	block := sdk.TextBlockParam{Text: text}
	if ttl != "" {
		cc := sdk.NewCacheControlEphemeralParam()
		cc.TTL = sdk.CacheControlEphemeralTTL(ttl)
		block.CacheControl = cc
	}
	return []sdk.TextBlockParam{block}
}

func usageOf(msg *sdk.Message) Usage {
	return Usage{
		InputTokens:      msg.Usage.InputTokens,
		OutputTokens:     msg.Usage.OutputTokens,
		CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
		CacheReadTokens:  msg.Usage.CacheReadInputTokens,
	}
}

// textOf joins the text blocks of a reply.
func textOf(msg *sdk.Message) string {
	var b strings.Builder
	for _, c := range msg.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// cleanJSONBlock strips a ```json fence around the reply.
func cleanJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// StatusCode extracts the HTTP status of a failed API call, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
