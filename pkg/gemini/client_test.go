package gemini

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), "", Config{Model: "gemini-2.0-flash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key is required")
}

func TestExtractText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"a":`), genai.Text(`1}`)}},
	}}}

	text, err := extractText(resp)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, text)
}

func TestExtractText_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{"nil", nil, "no candidates"},
		{"no candidates", &genai.GenerateContentResponse{}, "no candidates"},
		{
			"blocked",
			&genai.GenerateContentResponse{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety}},
			"prompt blocked",
		},
		{
			"empty content",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}}},
			"no content",
		},
		{
			"no text parts",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Blob{MIMEType: "image/png"}}},
			}}},
			"no text parts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := extractText(tt.resp)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCleanJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSONBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSONBlock("```{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, cleanJSONBlock(`  {"a":1} `))
}

func TestStatusCode(t *testing.T) {
	err := eris.Wrap(&googleapi.Error{Code: http.StatusTooManyRequests, Message: "quota"}, "gemini: generate content")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, 0, StatusCode(eris.New("plain")))
}
