package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ainews/internal/model"
)

func TestParseEnrichment_Normalises(t *testing.T) {
	raw := `{
		"summary": "Text.",
		"summary_bullets": ["a", "b"],
		"why_it_matters": "It matters.",
		"category": "  tools & libraries ",
		"tags": ["RAG", " rag", "Agents", ""],
		"audience_scores": {"researcher": 0.4}
	}`
	e, err := ParseEnrichment(raw)
	require.NoError(t, err)
	assert.Equal(t, "Text.", e.Summary)
	assert.Equal(t, "Tools & Libraries", e.Category)
	assert.Equal(t, []string{"rag", "agents"}, e.Tags)
	assert.InDelta(t, 0.4, e.AudienceScores["researcher"], 1e-9)
}

func TestParseEnrichment_UnknownCategory(t *testing.T) {
	e, err := ParseEnrichment(`{"summary":"s","category":"Gossip","tags":[]}`)
	require.NoError(t, err)
	assert.Equal(t, "Industry News", e.Category)
}

func TestParseEnrichment_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing summary", `{"category":"Research","tags":["x"]}`},
		{"empty summary", `{"summary":"","category":"Research","tags":["x"]}`},
		{"tags not array", `{"summary":"s","category":"Research","tags":"x"}`},
		{"score out of range", `{"summary":"s","category":"Research","tags":[],"audience_scores":{"ml_engineer":1.5}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnrichment(tt.raw)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.NotEmpty(t, ve.Fields)
		})
	}
}

func TestParseEnrichment_NotJSON(t *testing.T) {
	_, err := ParseEnrichment("Sure! Here is the summary.")
	require.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	it := model.Item{Title: "Sparse MoE at scale", SourceName: "arXiv", Content: "abcdefghij"}
	p := buildPrompt(it, 4)
	assert.Contains(t, p, "Article Title: Sparse MoE at scale\n")
	assert.Contains(t, p, "Source: arXiv\n")
	assert.Contains(t, p, "Content/Abstract: abcd\n")

	it.Content = "  "
	assert.Contains(t, buildPrompt(it, 0), "Content/Abstract: Sparse MoE at scale\n")
}

func TestRelatedFor(t *testing.T) {
	target := model.RelatedCandidate{ID: 1, Category: "Research", Tags: []string{"llms", "rag"}}
	cands := []model.RelatedCandidate{
		target,
		{ID: 2, Category: "Research", Tags: []string{"llms", "rag"}},
		{ID: 3, Category: "Tutorials", Tags: []string{"llms", "rag"}},
		{ID: 4, Category: "Research", Tags: []string{"robotics"}},
		{ID: 5, Category: "Tutorials", Tags: []string{"robotics"}},
		{ID: 6, Category: "Research", Tags: []string{"llms"}},
	}
	// 2: 1.3, 6: 0.8, 3: 1.0, 4: 0.3, 5: 0.
	assert.Equal(t, []int64{2, 3, 6}, relatedFor(target, cands, 3))
	assert.Equal(t, []int64{2, 3, 6, 4}, relatedFor(target, cands, 10))
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"x": true, "y": true}
	assert.InDelta(t, 1.0, jaccard(a, []string{"x", "y", "y"}), 1e-9)
	assert.InDelta(t, 1.0/3.0, jaccard(a, []string{"x", "z"}), 1e-9)
	assert.Zero(t, jaccard(map[string]bool{}, nil))
}

func TestGate_BoundsConcurrency(t *testing.T) {
	g := NewGate(1, 600000)
	assert.Equal(t, 1, g.Size())

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.Error(t, err)

	release()
	release2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestNewGate_Defaults(t *testing.T) {
	assert.Equal(t, 5, NewGate(0, 0).Size())
}
