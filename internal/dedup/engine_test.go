package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/store"
)

type mockHashes struct {
	stored map[string]bool
	err    error
	calls  int
}

func (m *mockHashes) ExistingHashes(_ context.Context, hashes []string) (map[string]bool, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]bool)
	for _, h := range hashes {
		if m.stored[h] {
			out[h] = true
		}
	}
	return out, nil
}

type mockEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

type mockIndex struct {
	neighbors []Neighbor
	err       error
}

func (m *mockIndex) Nearest(_ context.Context, _ []float32, k int) ([]Neighbor, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.neighbors) > k {
		return m.neighbors[:k], nil
	}
	return m.neighbors, nil
}

func raw(title, url string) model.RawItem {
	return model.RawItem{Title: title, URL: url, SourceName: "Hacker News", SourceType: model.SourceHN}
}

func titles(items []model.NewItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}

func TestFilter_NearDuplicateKeepsEarliest(t *testing.T) {
	hashes := &mockHashes{}
	metrics := monitoring.NewMetrics()
	eng := NewEngine(hashes, Options{Mode: ModeLexical, Metrics: metrics})

	batch := []model.RawItem{
		raw("OpenAI releases new reasoning model", "https://a.example/1"),
		raw("Rust compiler gets faster incremental builds", "https://b.example/2"),
		raw("The OpenAI Releases New Reasoning Model", "https://c.example/3"),
		raw("Diffusion transformers scale image synthesis", "https://d.example/4"),
		raw("Kubernetes operators for vector databases", "https://e.example/5"),
	}

	res, err := eng.Filter(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Items, 4)
	assert.Equal(t, 0, res.ExactDropped)
	assert.Equal(t, 1, res.SemanticDropped)
	assert.Equal(t, []string{
		"OpenAI releases new reasoning model",
		"Rust compiler gets faster incremental builds",
		"Diffusion transformers scale image synthesis",
		"Kubernetes operators for vector databases",
	}, titles(res.Items))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.DedupDropped.WithLabelValues("semantic")), 0.001)
}

func TestFilter_ExactStage(t *testing.T) {
	stored := Hash("https://a.example/old")
	hashes := &mockHashes{stored: map[string]bool{stored: true}}
	eng := NewEngine(hashes, Options{Mode: ModeOff})

	batch := []model.RawItem{
		raw("Stored already", " https://a.example/old "),
		raw("Fresh story", "https://a.example/new"),
		raw("Fresh story repeated", "https://a.example/new"),
		raw("No link", "  "),
	}

	res, err := eng.Filter(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Fresh story", res.Items[0].Title)
	assert.Equal(t, Hash("https://a.example/new"), res.Items[0].DedupHash)
	assert.Equal(t, 3, res.ExactDropped)
	assert.Equal(t, 0, res.SemanticDropped)
}

func TestFilter_OffKeepsNearDuplicates(t *testing.T) {
	eng := NewEngine(&mockHashes{}, Options{Mode: ModeOff})

	res, err := eng.Filter(context.Background(), []model.RawItem{
		raw("Same headline here", "https://a.example/1"),
		raw("Same headline here", "https://a.example/2"),
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
}

func TestFilter_Empty(t *testing.T) {
	hashes := &mockHashes{}
	res, err := NewEngine(hashes, Options{}).Filter(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, hashes.calls)
}

func TestFilter_HashStoreError(t *testing.T) {
	eng := NewEngine(&mockHashes{err: errors.New("db down")}, Options{})

	_, err := eng.Filter(context.Background(), []model.RawItem{raw("x", "https://a.example/x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "existing hashes")
}

func TestFilter_VectorMode(t *testing.T) {
	emb := &mockEmbedder{vecs: map[string][]float32{
		"first":         {1, 0, 0},
		"first again":   {0.99, 0.05, 0},
		"unrelated":     {0, 1, 0},
		"stored before": {0, 0, 1},
	}}
	idx := &mockIndex{}
	eng := NewEngine(&mockHashes{}, Options{Mode: ModeVector, Embedder: emb, Index: idx})
	require.Equal(t, ModeVector, eng.Mode())

	res, err := eng.Filter(context.Background(), []model.RawItem{
		raw("first", "https://a.example/1"),
		raw("first again", "https://a.example/2"),
		raw("unrelated", "https://a.example/3"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "unrelated"}, titles(res.Items))
	assert.Equal(t, 1, res.SemanticDropped)
}

func TestFilter_VectorModeStoredNeighbor(t *testing.T) {
	idx := &mockIndex{neighbors: []Neighbor{{ItemID: 9, Distance: 0.05}}}
	eng := NewEngine(&mockHashes{}, Options{Mode: ModeVector, Embedder: &mockEmbedder{}, Index: idx})

	res, err := eng.Filter(context.Background(), []model.RawItem{raw("story", "https://a.example/1")})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 1, res.SemanticDropped)
}

func TestFilter_VectorUnavailableIsNoop(t *testing.T) {
	emb := &mockEmbedder{err: ErrUnavailable}
	eng := NewEngine(&mockHashes{}, Options{Mode: ModeVector, Embedder: emb, Index: &mockIndex{}})

	res, err := eng.Filter(context.Background(), []model.RawItem{
		raw("Same headline here", "https://a.example/1"),
		raw("Same headline here", "https://a.example/2"),
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 0, res.SemanticDropped)
}

func TestNewEngine_VectorWithoutBackendFallsBack(t *testing.T) {
	eng := NewEngine(&mockHashes{}, Options{Mode: ModeVector})
	assert.Equal(t, ModeLexical, eng.Mode())
}

type mockVectors struct {
	recs  []store.VectorRecord
	since time.Time
	err   error
}

func (m *mockVectors) RecentVectors(_ context.Context, since time.Time) ([]store.VectorRecord, error) {
	m.since = since
	return m.recs, m.err
}

func TestStoreIndex_Nearest(t *testing.T) {
	src := &mockVectors{recs: []store.VectorRecord{
		{ItemID: 1, Vector: []float32{0, 1}},
		{ItemID: 2, Vector: []float32{1, 0}},
		{ItemID: 3, Vector: []float32{1, 1}},
	}}
	idx := NewStoreIndex(src, 24*time.Hour)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	got, err := idx.Nearest(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ItemID)
	assert.InDelta(t, 0, got[0].Distance, 1e-6)
	assert.Equal(t, int64(3), got[1].ItemID)
	assert.Equal(t, now.Add(-24*time.Hour), src.since)
}

func TestStoreIndex_Error(t *testing.T) {
	idx := NewStoreIndex(&mockVectors{err: errors.New("boom")}, time.Hour)
	_, err := idx.Nearest(context.Background(), []float32{1}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
