package api

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/ainews/internal/dispatch"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/reconcile"
	"github.com/sells-group/ainews/internal/runs"
	"github.com/sells-group/ainews/internal/scrub"
	"github.com/sells-group/ainews/internal/store"
)

type fakeStore struct {
	pingErr error
	runs    map[int64]*model.Run
	tasks   map[int64][]model.Task
	filter  store.RunFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[int64]*model.Run), tasks: make(map[int64][]model.Task)}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetRun(_ context.Context, id int64) (*model.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	return r, nil
}

func (f *fakeStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.filter = filter
	var out []model.Run
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) ListTasks(_ context.Context, runID int64) ([]model.Task, error) {
	return f.tasks[runID], nil
}

type mockRuns struct {
	mock.Mock
}

func (m *mockRuns) Create(ctx context.Context, req runs.CreateRequest) (*model.Run, error) {
	args := m.Called(ctx, req)
	run, _ := args.Get(0).(*model.Run)
	return run, args.Error(1)
}

func (m *mockRuns) Start(ctx context.Context, run *model.Run) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRuns) Cancel(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRuns) RetryTasks(ctx context.Context, id int64) (*dispatch.DispatchReport, error) {
	args := m.Called(ctx, id)
	rep, _ := args.Get(0).(*dispatch.DispatchReport)
	return rep, args.Error(1)
}

// recordHandler records payloads and answers with err.
type recordHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (h *recordHandler) HandleDelivery(_ context.Context, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
	return h.err
}

type fakeReconciler struct {
	rep *reconcile.Report
	err error
}

func (f *fakeReconciler) Reconcile(context.Context) (*reconcile.Report, error) {
	return f.rep, f.err
}

type fakeScrubber struct {
	rep       *scrub.Report
	dlq       []model.DLQItem
	src       model.Source
	limit     int
	retryIDs  []int64
	retryResp []int64
}

func (f *fakeScrubber) Scrub(context.Context) (*scrub.Report, error) {
	if f.rep == nil {
		return nil, errors.New("scrub failed")
	}
	return f.rep, nil
}

func (f *fakeScrubber) DLQ(_ context.Context, src model.Source, limit, _ int) ([]model.DLQItem, error) {
	f.src, f.limit = src, limit
	return f.dlq, nil
}

func (f *fakeScrubber) RetryDLQ(_ context.Context, ids []int64) ([]int64, error) {
	f.retryIDs = ids
	return f.retryResp, nil
}

func (f *fakeScrubber) RetryCap() int { return 3 }
