package dispatch

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/sells-group/ainews/internal/dedup"
	"github.com/sells-group/ainews/internal/enrich"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/queue"
	"github.com/sells-group/ainews/internal/source"
	"github.com/sells-group/ainews/internal/store"
)

// memStore keeps tasks, items and progress in memory.
type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	writes   []store.TaskUpdate
	nextID   int64
	items    map[int64]model.NewItem
	total    map[int64]int
	progress map[string]any
	upErr    error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]*model.Task),
		items:    make(map[int64]model.NewItem),
		total:    make(map[int64]int),
		progress: make(map[string]any),
	}
}

func (m *memStore) UpsertTask(_ context.Context, u store.TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upErr != nil {
		return m.upErr
	}
	m.writes = append(m.writes, u)
	t, ok := m.tasks[u.Key.Name()]
	if !ok {
		t = &model.Task{RunID: u.Key.RunID, Source: u.Key.Source, Date: u.Key.Date}
		m.tasks[u.Key.Name()] = t
	}
	t.Status = u.Status
	t.ErrorMessage = u.ErrorMessage
	if u.ArticlesSaved != nil {
		n := *u.ArticlesSaved
		t.ArticlesSaved = &n
	}
	return nil
}

func (m *memStore) GetTask(_ context.Context, key model.TaskKey) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[key.Name()]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) InsertItems(_ context.Context, _ int64, items []model.NewItem) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		m.nextID++
		m.items[m.nextID] = it
		ids = append(ids, m.nextID)
	}
	return ids, nil
}

func (m *memStore) SetTotalTasks(_ context.Context, id int64, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total[id] = total
	return nil
}

func (m *memStore) MergeRunProgress(_ context.Context, _ int64, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.progress, patch)
	return nil
}

func (m *memStore) task(src model.Source, runID int64, date string) *model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _ := model.ParseDate(date)
	return m.tasks[model.TaskKey{RunID: runID, Source: src, Date: d}.Name()]
}

func (m *memStore) statusCounts() map[model.TaskStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.TaskStatus]int)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out
}

// passDedup treats every fetched item as new.
type passDedup struct{}

func (passDedup) Filter(_ context.Context, raw []model.RawItem) (*dedup.Result, error) {
	res := &dedup.Result{}
	for _, r := range raw {
		res.Items = append(res.Items, model.NewItem{RawItem: r, DedupHash: r.URL})
	}
	return res, nil
}

// funcFetcher adapts a function to source.Fetcher.
type funcFetcher func(ctx context.Context, date time.Time) ([]model.RawItem, error)

func (f funcFetcher) Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error) {
	return f(ctx, date)
}

func itemsFetcher(src model.Source, n int) funcFetcher {
	return func(_ context.Context, date time.Time) ([]model.RawItem, error) {
		out := make([]model.RawItem, n)
		for i := range out {
			out[i] = model.RawItem{
				Title:      string(src) + " story",
				URL:        "https://example.com/" + string(src) + "/" + date.Format(model.DateLayout) + "/" + string(rune('a'+i)),
				SourceType: src,
				DigestDate: date,
			}
		}
		return out, nil
	}
}

func failingFetcher(msg string) funcFetcher {
	return func(context.Context, time.Time) ([]model.RawItem, error) {
		return nil, errors.New(msg)
	}
}

type recordForwarder struct {
	mu   sync.Mutex
	msgs []model.SavedItems
	err  error
}

func (f *recordForwarder) PublishSaved(_ context.Context, msg model.SavedItems) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

type fakeEnricher struct {
	mu    sync.Mutex
	reqs  []enrich.Request
	err   error
	calls int
}

func (f *fakeEnricher) Enrich(_ context.Context, req enrich.Request) (enrich.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return enrich.Outcome{Requested: len(req.ItemIDs), Skipped: len(req.ItemIDs), Aborted: true}, f.err
	}
	return enrich.Outcome{Requested: len(req.ItemIDs), Enriched: len(req.ItemIDs)}, nil
}

// fakeQueue answers Enqueue from results keyed by task name, defaulting to OK.
type fakeQueue struct {
	mu      sync.Mutex
	names   []string
	results map[string]queue.EnqueueResult
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, _ model.TaskPayload) (queue.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
	if r, ok := q.results[name]; ok {
		if r == queue.EnqueueFailed {
			return r, errors.New("broker unavailable")
		}
		return r, nil
	}
	return queue.EnqueueOK, nil
}

func testRun(id int64, from, to string, sources ...model.Source) *model.Run {
	f, _ := model.ParseDate(from)
	t, _ := model.ParseDate(to)
	return &model.Run{ID: id, Status: model.RunStatusRunning, DateFrom: f, DateTo: t, Sources: sources}
}

func newTestExecutor(st *memStore, sources source.Set, fwd Forwarder) *Executor {
	return NewExecutor(st, sources, passDedup{}, fwd, ExecOptions{FetchTimeout: time.Second})
}
