package runs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ainews/internal/dedup"
	"github.com/sells-group/ainews/internal/dispatch"
	"github.com/sells-group/ainews/internal/enrich"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/queue"
	"github.com/sells-group/ainews/internal/source"
	"github.com/sells-group/ainews/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := model.ParseDate(s)
	require.NoError(t, err)
	return d
}

type fetchFunc func(ctx context.Context, date time.Time) ([]model.RawItem, error)

func (f fetchFunc) Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error) {
	return f(ctx, date)
}

func stories(src model.Source, n int) fetchFunc {
	return func(_ context.Context, date time.Time) ([]model.RawItem, error) {
		out := make([]model.RawItem, n)
		for i := range out {
			d := date.Format(model.DateLayout)
			out[i] = model.RawItem{
				Title:      fmt.Sprintf("%s story %s %d", src, d, i),
				URL:        fmt.Sprintf("https://example.com/%s/%s/%d", src, d, i),
				SourceName: string(src),
				SourceType: src,
				DigestDate: date,
			}
		}
		return out, nil
	}
}

// storeEnricher marks every requested item enriched.
type storeEnricher struct {
	st  *store.SQLiteStore
	err error
}

func (e *storeEnricher) Enrich(ctx context.Context, req enrich.Request) (enrich.Outcome, error) {
	if e.err != nil {
		return enrich.Outcome{Aborted: true}, e.err
	}
	for _, id := range req.ItemIDs {
		if err := e.st.SaveEnrichment(ctx, id, model.Enrichment{Summary: "s", Category: "Research"}); err != nil {
			return enrich.Outcome{}, err
		}
	}
	return enrich.Outcome{Requested: len(req.ItemIDs), Enriched: len(req.ItemIDs)}, nil
}

func newInlineManager(t *testing.T, st *store.SQLiteStore, sources source.Set, enr dispatch.Enricher) *Manager {
	t.Helper()
	dd := dedup.NewEngine(st, dedup.Options{Mode: dedup.ModeOff})
	exec := dispatch.NewExecutor(st, sources, dd, nil, dispatch.ExecOptions{FetchTimeout: 5 * time.Second})
	disp := dispatch.NewDispatcher(st, exec, dispatch.Options{Concurrency: 2, Enricher: enr})
	return NewManager(st, disp, Options{MaxActiveRuns: 2, MinEnrichRatio: 0.5, Heartbeat: time.Hour})
}

// recordQueue accepts every task and remembers its name.
type recordQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *recordQueue) Enqueue(_ context.Context, name string, _ model.TaskPayload) (queue.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
	return queue.EnqueueOK, nil
}

func newExternalManager(t *testing.T, st *store.SQLiteStore, q queue.Queue) *Manager {
	t.Helper()
	disp := dispatch.NewDispatcher(st, nil, dispatch.Options{Queue: q})
	return NewManager(st, disp, Options{MaxActiveRuns: 2, External: true})
}

func TestPartialRunScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hnCalls := atomic.Int32{}
	hn := fetchFunc(func(ctx context.Context, date time.Time) ([]model.RawItem, error) {
		hnCalls.Add(1)
		if date.Format(model.DateLayout) == "2026-02-01" {
			return nil, errors.New("algolia returned 502")
		}
		return stories(model.SourceHN, 2)(ctx, date)
	})
	sources := source.Set{model.SourceHN: hn, model.SourceRSS: stories(model.SourceRSS, 3)}
	m := newInlineManager(t, st, sources, &storeEnricher{st: st})

	run, err := m.Create(ctx, CreateRequest{
		DateFrom:    day(t, "2026-02-01"),
		DateTo:      day(t, "2026-02-02"),
		Sources:     []model.Source{model.SourceHN, model.SourceRSS},
		TriggeredBy: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	require.NoError(t, m.Start(ctx, run))
	m.Wait()
	assert.False(t, m.HasHandle(run.ID))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.TasksSucceeded)
	assert.Equal(t, 1, got.Result.TasksFailed)
	assert.Equal(t, 0, got.Result.TasksMissing)
	assert.Equal(t, 3+3+2, got.Result.Saved)
	assert.Equal(t, 8, got.Result.Enriched)
	assert.Contains(t, got.Result.SourceErrors, "hn@2026-02-01")
	assert.Contains(t, got.ErrorMessage, "failed sources: hn@2026-02-01")
	assert.Contains(t, got.ErrorMessage, "algolia returned 502")
	assert.Equal(t, "inline", got.Progress["mode"], "creation metadata survives progress merges")
	assert.NotEmpty(t, got.Progress["heartbeat_at"])

	tasks, err := st.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
	assert.Equal(t, int32(2), hnCalls.Load())
}

func TestInlineRunSuccess(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{model.SourceArxiv: stories(model.SourceArxiv, 2)}, &storeEnricher{st: st})

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceArxiv}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run))
	m.Wait()

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "manual", got.TriggeredBy)
	assert.Equal(t, 2, got.Result.Fetched)
	assert.Equal(t, 2, got.Result.New)
}

func TestInlineRunLowEnrichmentIsPartial(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{model.SourceHN: stories(model.SourceHN, 4)}, nil)

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceHN}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run))
	m.Wait()

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	assert.Contains(t, got.ErrorMessage, "enriched 0 of 4")
}

func TestInlineRunNoProviderFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{model.SourceHN: stories(model.SourceHN, 1)}, &storeEnricher{err: enrich.ErrNoProvider})

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceHN}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run))
	m.Wait()

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no usable provider")
}

func TestCancelLiveRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	started := make(chan struct{})
	var once sync.Once
	blocking := fetchFunc(func(ctx context.Context, _ time.Time) ([]model.RawItem, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newInlineManager(t, st, source.Set{model.SourceReddit: blocking}, nil)

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-02"), Sources: []model.Source{model.SourceReddit}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run))
	<-started
	require.True(t, m.HasHandle(run.ID))

	require.NoError(t, m.Cancel(ctx, run.ID))
	m.Wait()

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, m.HasHandle(run.ID))
}

func TestCancelWithoutHandle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01")})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, run.ID))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by operator (no live worker)", got.ErrorMessage)

	assert.ErrorIs(t, m.Cancel(ctx, run.ID), ErrNotActive, "terminal runs cannot be cancelled again")
	assert.ErrorIs(t, m.Cancel(ctx, 9999), store.ErrRunNotFound)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing dates", CreateRequest{}},
		{"reversed", CreateRequest{DateFrom: day(t, "2026-02-05"), DateTo: day(t, "2026-02-01")}},
		{"too long", CreateRequest{DateFrom: day(t, "2026-01-01"), DateTo: day(t, "2026-03-01")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreateAdmissionCap(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)
	req := CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01")}

	for range 2 {
		_, err := m.Create(ctx, req)
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, req)
	assert.ErrorIs(t, err, store.ErrTooManyRuns)
}

func TestCreateDefaultsAllSources(t *testing.T) {
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)

	run, err := m.Create(context.Background(), CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01")})
	require.NoError(t, err)
	assert.Equal(t, model.AllSources, run.Sources)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceHN}})
	require.NoError(t, err)

	status, err := m.Finalize(ctx, run.ID, Outcome{Err: errors.New("storage unreachable")})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	status, err = m.Finalize(ctx, run.ID, Outcome{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)
}

func TestFinalizeMissingTasksIsPartial(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceHN, model.SourceRSS}})
	require.NoError(t, err)
	saved := 0
	require.NoError(t, st.UpsertTask(ctx, store.TaskUpdate{
		Key:           model.TaskKey{RunID: run.ID, Source: model.SourceHN, Date: day(t, "2026-02-01")},
		Status:        model.TaskStatusSuccess,
		ArticlesSaved: &saved,
	}))

	status, err := m.Finalize(ctx, run.ID, Outcome{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Result.TasksMissing)
	assert.Contains(t, got.ErrorMessage, "1 tasks never reported")
}

func TestFinalizeCountsFoldedInEnrichment(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := newInlineManager(t, st, source.Set{}, nil)

	run, err := m.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceHN}})
	require.NoError(t, err)
	saved := 4
	require.NoError(t, st.UpsertTask(ctx, store.TaskUpdate{
		Key:           model.TaskKey{RunID: run.ID, Source: model.SourceHN, Date: day(t, "2026-02-01")},
		Status:        model.TaskStatusSuccess,
		ArticlesSaved: &saved,
	}))

	// None of the run's own rows are enriched, but its batches finished
	// three items carried over from an earlier run.
	status, err := m.Finalize(ctx, run.ID, Outcome{Enriched: 3})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Result.Enriched)
	assert.Equal(t, 4, got.Result.Saved)
}

func TestPreviewTruncates(t *testing.T) {
	m := NewManager(nil, nil, Options{ErrorPreviewChars: 5})
	assert.Equal(t, "abcde...", m.preview("abcdefgh"))
	assert.Equal(t, "abc", m.preview("abc"))
}

func TestSourceSummary(t *testing.T) {
	assert.Empty(t, sourceSummary(nil))
	assert.Equal(t, "failed sources: hn@2026-02-01: boom, rss@2026-02-01: down",
		sourceSummary(map[string]string{"rss@2026-02-01": "down", "hn@2026-02-01": "boom"}))
}

func TestRetryTasksRequeuesFailed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := &recordQueue{}
	m := newExternalManager(t, st, q)

	run, err := m.Create(ctx, CreateRequest{
		DateFrom: day(t, "2026-02-01"),
		DateTo:   day(t, "2026-02-01"),
		Sources:  []model.Source{model.SourceHN, model.SourceRSS},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run))
	require.Len(t, q.names, 2)

	hn := model.TaskKey{RunID: run.ID, Source: model.SourceHN, Date: day(t, "2026-02-01")}
	rss := model.TaskKey{RunID: run.ID, Source: model.SourceRSS, Date: day(t, "2026-02-01")}
	saved := 3
	require.NoError(t, st.UpsertTask(ctx, store.TaskUpdate{Key: hn, Status: model.TaskStatusFailed, ErrorMessage: "algolia returned 502"}))
	require.NoError(t, st.UpsertTask(ctx, store.TaskUpdate{Key: rss, Status: model.TaskStatusSuccess, ArticlesSaved: &saved}))

	rep, err := m.RetryTasks(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Total)
	assert.Equal(t, 1, rep.Enqueued)
	require.Len(t, q.names, 3)
	assert.Contains(t, q.names[2], hn.Name()+"-retry-")

	task, err := st.GetTask(ctx, hn)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Empty(t, task.ErrorMessage)

	rep, err = m.RetryTasks(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Total, "no failed tasks left")
}

func TestRetryTasksRejectsInlineAndFinished(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	inline := newInlineManager(t, st, source.Set{}, nil)
	run, err := inline.Create(ctx, CreateRequest{DateFrom: day(t, "2026-02-01"), DateTo: day(t, "2026-02-01"), Sources: []model.Source{model.SourceHN}})
	require.NoError(t, err)
	_, err = inline.RetryTasks(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotExternal)

	_, err = inline.Finalize(ctx, run.ID, Outcome{Err: errors.New("storage unreachable")})
	require.NoError(t, err)
	_, err = inline.RetryTasks(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotActive)
}
