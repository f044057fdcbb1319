package enrich

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/resilience"
)

// mockStore implements Store in memory.
type mockStore struct {
	mu        sync.Mutex
	items     map[int64]*model.Item
	pending   map[string][]int64
	failed    []int64
	related   map[int64][]int64
	saveErr   error
	recentErr error
}

func newMockStore(n int) *mockStore {
	st := &mockStore{items: make(map[int64]*model.Item), pending: make(map[string][]int64), related: make(map[int64][]int64)}
	for i := 1; i <= n; i++ {
		st.items[int64(i)] = &model.Item{
			ID:         int64(i),
			Title:      itemTitle(int64(i)),
			SourceName: "Hacker News",
			DigestDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return st
}

func itemTitle(id int64) string {
	return "item-" + string(rune('a'+id-1))
}

func (m *mockStore) GetItems(_ context.Context, ids []int64) ([]model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var out []model.Item
	for _, id := range sorted {
		if it, ok := m.items[id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *mockStore) PendingItemIDs(_ context.Context, date time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[date.Format(model.DateLayout)], nil
}

func (m *mockStore) SaveEnrichment(_ context.Context, id int64, e model.Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	it := m.items[id]
	it.Enrichment = &e
	it.IsEnriched = model.StateDone
	return nil
}

func (m *mockStore) MarkEnrichFailed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].IsEnriched = model.StateFailed
	m.failed = append(m.failed, id)
	return nil
}

func (m *mockStore) RecentEnriched(_ context.Context, _ time.Time) ([]model.RelatedCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	var out []model.RelatedCandidate
	for _, it := range m.items {
		if it.IsEnriched == model.StateDone && it.Enrichment != nil {
			out = append(out, model.RelatedCandidate{ID: it.ID, Category: it.Enrichment.Category, Tags: it.Enrichment.Tags})
		}
	}
	slices.SortFunc(out, func(a, b model.RelatedCandidate) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *mockStore) SetRelated(_ context.Context, id int64, related []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.related[id] = related
	return nil
}

func (m *mockStore) state(id int64) model.EnrichState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].IsEnriched
}

// mockProvider answers with respond, or respondCtx when set, recording every
// call. Probe calls have an empty system prompt.
type mockProvider struct {
	name       string
	respond    func(title string) (string, error)
	respondCtx func(ctx context.Context, title string) (string, error)
	probe      func() error

	mu     sync.Mutex
	calls  []string
	probes int
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	p.mu.Lock()
	if system == "" {
		p.probes++
		p.mu.Unlock()
		if p.probe != nil {
			return "", p.probe()
		}
		return `{"ok":true}`, nil
	}
	title := titleOf(prompt)
	p.calls = append(p.calls, title)
	p.mu.Unlock()
	if p.respondCtx != nil {
		return p.respondCtx(ctx, title)
	}
	return p.respond(title)
}

func (p *mockProvider) itemCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func titleOf(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	return strings.TrimPrefix(line, "Article Title: ")
}

const validOutput = `{"summary":"A short take.","summary_bullets":["one"],"category":"research","tags":["LLMs"," rag "],"audience_scores":{"ml_engineer":0.9}}`

func okProvider(name string) *mockProvider {
	return &mockProvider{name: name, respond: func(string) (string, error) { return validOutput, nil }}
}

func providerErr(name string, status int, msg string) error {
	return resilience.NewProviderError(name, status, errors.New(msg))
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		ShouldRetry:    resilience.IsRetryable,
	}
}

func newTestPool(st Store, concurrency int, primary, secondary Provider) *Pool {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 100
	return NewPool(st, NewGate(concurrency, 600000), primary, secondary, Options{
		Retry:       fastRetry(),
		CallTimeout: time.Second,
		Breakers:    NewProviderBreakers(cfg, nil),
	})
}

func allIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids
}
