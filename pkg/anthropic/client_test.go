package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", Config{Model: "claude-haiku-4-5-20251001"})
	assert.Error(t, err)

	_, err = NewClient("key", Config{})
	assert.Error(t, err)

	c, err := NewClient("key", Config{Model: "claude-haiku-4-5-20251001"})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), c.(*sdkClient).cfg.MaxTokens)
}

func TestSystemBlocks(t *testing.T) {
	blocks := systemBlocks("You annotate AI news articles.", "1h")
	require.Len(t, blocks, 1)
	assert.Equal(t, "You annotate AI news articles.", blocks[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), blocks[0].CacheControl.TTL)

	plain := systemBlocks("no cache", "")
	require.Len(t, plain, 1)
	assert.Empty(t, plain[0].CacheControl.TTL)
}

func TestTextOf_SkipsNonText(t *testing.T) {
	msg := &sdk.Message{Content: []sdk.ContentBlockUnion{
		{Type: "thinking", Text: "hmm"},
		{Type: "text", Text: `{"summary":`},
		{Type: "text", Text: `"ok"}`},
	}}
	assert.Equal(t, `{"summary":"ok"}`, textOf(msg))
}

func TestUsageOf(t *testing.T) {
	msg := &sdk.Message{Usage: sdk.Usage{InputTokens: 100, OutputTokens: 50, CacheReadInputTokens: 3000}}
	u := usageOf(msg)
	assert.Equal(t, int64(100), u.InputTokens)
	assert.Equal(t, int64(50), u.OutputTokens)
	assert.Equal(t, int64(3000), u.CacheReadTokens)
}

func TestCleanJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSONBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSONBlock("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, cleanJSONBlock("  {\"a\":1}  "))
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{"haiku", "claude-haiku-4-5-20251001", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 6.00},
		{"sonnet", "claude-sonnet-4-5-20250929", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 18.00},
		// input 0.5 + output 0.5 + write 0.2*1.25 + read 0.3*0.1
		{"with cache", "claude-haiku-4-5-20251001", Usage{
			InputTokens:      500_000,
			OutputTokens:     100_000,
			CacheWriteTokens: 200_000,
			CacheReadTokens:  300_000,
		}, 1.28},
		{"unknown model", "unknown-model", Usage{InputTokens: 1_000_000}, 0},
		{"zero", "claude-haiku-4-5-20251001", Usage{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 0.001)
		})
	}
}
