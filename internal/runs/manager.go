// Package runs owns the run state machine: admission, start, cancellation
// and finalization.
package runs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/dispatch"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/store"
)

var (
	// ErrInvalidRequest is returned when a create request fails validation.
	ErrInvalidRequest = eris.New("invalid run request")
	// ErrNotActive is returned when cancelling a run that already finished.
	ErrNotActive = eris.New("run is not active")
	// ErrNotExternal is returned when re-enqueueing tasks of an inline run.
	ErrNotExternal = eris.New("run has no queued tasks")

	errCancelled = errors.New("cancelled by operator")
	errShutdown  = errors.New("process shutting down")
)

// cancelledNoWorker is written when a cancel finds no in-process handle.
const cancelledNoWorker = "cancelled by operator (no live worker)"

// Store is the run persistence used by a Manager.
type Store interface {
	CreateRun(ctx context.Context, nr store.NewRun, maxActive int) (*model.Run, error)
	GetRun(ctx context.Context, id int64) (*model.Run, error)
	TransitionRun(ctx context.Context, id int64, from []model.RunStatus, t store.Transition) error
	MergeRunProgress(ctx context.Context, id int64, patch map[string]any) error
	ListTasks(ctx context.Context, runID int64) ([]model.Task, error)
	RunItemCounts(ctx context.Context, runID int64) (saved, enriched int, err error)
}

// Dispatcher executes or fans out the tasks of a run.
type Dispatcher interface {
	Plan(run *model.Run) []model.TaskKey
	RunInline(ctx context.Context, run *model.Run) (*dispatch.InlineOutcome, error)
	Dispatch(ctx context.Context, run *model.Run) (*dispatch.DispatchReport, error)
	Requeue(ctx context.Context, run *model.Run, keys []model.TaskKey) (*dispatch.DispatchReport, error)
}

// Options configures a Manager.
type Options struct {
	MaxActiveRuns int
	// MaxDays bounds the inclusive date range of a run.
	MaxDays int
	// External selects queue fan-out instead of in-process execution.
	External          bool
	MinEnrichRatio    float64
	ErrorPreviewChars int
	Heartbeat         time.Duration
	Metrics           *monitoring.Metrics
}

// CreateRequest asks for a new run.
type CreateRequest struct {
	DateFrom    time.Time
	DateTo      time.Time
	Sources     []model.Source
	TriggeredBy string
}

// Outcome is how the run's driver ended, passed to Finalize. The zero value
// lets the task ledger decide between success and partial.
type Outcome struct {
	Cancelled bool
	// Err is a run-level fatal error; the run ends failed.
	Err     error
	Fetched int
	New     int
	// Enriched counts every item an inline run's enrichment completed,
	// including pending items of the same dates folded in from earlier runs.
	Enriched int
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager creates, starts, cancels and finalizes runs.
type Manager struct {
	store Store
	disp  Dispatcher
	opts  Options

	mu      sync.Mutex
	handles map[int64]*handle
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(st Store, disp Dispatcher, opts Options) *Manager {
	if opts.MaxActiveRuns <= 0 {
		opts.MaxActiveRuns = 3
	}
	if opts.MaxDays <= 0 {
		opts.MaxDays = 31
	}
	if opts.ErrorPreviewChars <= 0 {
		opts.ErrorPreviewChars = 200
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	opts.Metrics = monitoring.OrNoop(opts.Metrics)
	return &Manager{
		store:   st,
		disp:    disp,
		opts:    opts,
		handles: make(map[int64]*handle),
		now:     time.Now,
	}
}

// Create validates req and records a new run. Inline runs start in running,
// external runs in queued until a worker reports. ErrTooManyRuns is returned
// when the admission cap is reached.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Run, error) {
	if req.DateFrom.IsZero() || req.DateTo.IsZero() {
		return nil, eris.Wrap(ErrInvalidRequest, "date_from and date_to are required")
	}
	from, to := model.Day(req.DateFrom), model.Day(req.DateTo)
	if to.Before(from) {
		return nil, eris.Wrap(ErrInvalidRequest, "date_to precedes date_from")
	}
	days := len(model.DateRange(from, to))
	if days > m.opts.MaxDays {
		return nil, eris.Wrapf(ErrInvalidRequest, "range of %d days exceeds %d", days, m.opts.MaxDays)
	}
	sources := req.Sources
	if len(sources) == 0 {
		sources = slices.Clone(model.AllSources)
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	status, mode := model.RunStatusRunning, "inline"
	if m.opts.External {
		status, mode = model.RunStatusQueued, "external"
	}
	run, err := m.store.CreateRun(ctx, store.NewRun{
		Status:      status,
		DateFrom:    from,
		DateTo:      to,
		Sources:     sources,
		TriggeredBy: triggeredBy,
		Progress: map[string]any{
			"mode":       mode,
			"dates":      days,
			"sources":    sources,
			"created_by": triggeredBy,
		},
	}, m.opts.MaxActiveRuns)
	if err != nil {
		if errors.Is(err, store.ErrTooManyRuns) {
			return nil, err
		}
		return nil, eris.Wrap(err, "runs: create")
	}
	zap.L().Info("runs: created",
		zap.Int64("run_id", run.ID),
		zap.String("mode", mode),
		zap.String("from", from.Format(model.DateLayout)),
		zap.String("to", to.Format(model.DateLayout)),
		zap.Int("sources", len(sources)),
	)
	return run, nil
}

// Start begins executing run. Inline runs execute in a background goroutine
// registered as a live handle until they finish. External runs are fanned
// out to the queue before Start returns; a fan-out failure fails the run.
func (m *Manager) Start(ctx context.Context, run *model.Run) error {
	if !m.opts.External {
		m.startInline(ctx, run)
		return nil
	}
	rep, err := m.disp.Dispatch(ctx, run)
	if err != nil {
		_, ferr := m.Finalize(context.WithoutCancel(ctx), run.ID, Outcome{Err: err})
		return errors.Join(eris.Wrap(err, "runs: dispatch"), ferr)
	}
	if rep.Failed > 0 {
		zap.L().Warn("runs: some tasks could not be enqueued",
			zap.Int64("run_id", run.ID),
			zap.Int("failed", rep.Failed),
		)
	}
	return nil
}

func (m *Manager) startInline(ctx context.Context, run *model.Run) {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &handle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.handles[run.ID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		defer func() {
			m.mu.Lock()
			delete(m.handles, run.ID)
			m.mu.Unlock()
			cancel(nil)
		}()

		stop := m.heartbeat(runCtx, run.ID)
		out, err := m.disp.RunInline(runCtx, run)
		stop()

		var o Outcome
		if out != nil {
			o.Enriched = out.Enriched
			for _, r := range out.Reports {
				o.Fetched += r.Fetched
				o.New += r.New
			}
		}
		switch cause := context.Cause(runCtx); {
		case errors.Is(cause, errCancelled):
			o.Cancelled = true
		case errors.Is(cause, errShutdown):
			o.Err = errShutdown
		case err != nil:
			o.Err = err
		case out != nil && out.EnrichErr != nil:
			o.Err = out.EnrichErr
		}

		if _, err := m.Finalize(context.WithoutCancel(ctx), run.ID, o); err != nil {
			zap.L().Error("runs: finalize inline run", zap.Int64("run_id", run.ID), zap.Error(err))
		}
	}()
}

// heartbeat merges a liveness stamp into the run's progress until the
// returned stop function is called.
func (m *Manager) heartbeat(ctx context.Context, id int64) (stop func()) {
	beat := func() {
		if err := m.store.MergeRunProgress(context.WithoutCancel(ctx), id, map[string]any{
			"heartbeat_at": m.now().UTC().Format(time.RFC3339),
		}); err != nil {
			zap.L().Warn("runs: heartbeat failed", zap.Int64("run_id", id), zap.Error(err))
		}
	}
	beat()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(m.opts.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				beat()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// HasHandle reports whether run id is executing in this process.
func (m *Manager) HasHandle(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[id]
	return ok
}

// Cancel stops run id. A live handle is signalled and the run unwinds at its
// next stage boundary, recording cancelled itself. Without a handle the run
// is transitioned directly. ErrNotActive is returned for finished runs.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if ok {
		zap.L().Info("runs: cancelling live run", zap.Int64("run_id", id))
		h.cancel(errCancelled)
		return nil
	}

	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrNotActive
	}
	err = m.store.TransitionRun(ctx, id, model.ActiveRunStatuses, store.Transition{
		To:           model.RunStatusCancelled,
		ErrorMessage: cancelledNoWorker,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return ErrNotActive
	}
	if err != nil {
		return eris.Wrapf(err, "runs: cancel %d", id)
	}
	m.opts.Metrics.RunsFinished.WithLabelValues(string(model.RunStatusCancelled)).Inc()
	zap.L().Info("runs: cancelled without live worker", zap.Int64("run_id", id))
	return nil
}

// RetryTasks re-enqueues the failed tasks of an active external run.
func (m *Manager) RetryTasks(ctx context.Context, id int64) (*dispatch.DispatchReport, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrNotActive
	}
	if !run.External() {
		return nil, ErrNotExternal
	}
	tasks, err := m.store.ListTasks(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "runs: list tasks %d", id)
	}
	var keys []model.TaskKey
	for _, t := range tasks {
		if t.Status == model.TaskStatusFailed {
			keys = append(keys, model.TaskKey{RunID: t.RunID, Source: t.Source, Date: t.Date})
		}
	}
	if len(keys) == 0 {
		return &dispatch.DispatchReport{}, nil
	}
	return m.disp.Requeue(ctx, run, keys)
}

// Finalize moves run id to its terminal status. Cancelled and failed
// outcomes short-circuit; otherwise the run is partial when any task failed,
// any task is missing, or an inline run enriched too small a share of its
// saved items, and success otherwise. Finalizing a finished run is a no-op
// returning its current status.
func (m *Manager) Finalize(ctx context.Context, id int64, o Outcome) (model.RunStatus, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}

	res, err := m.tally(ctx, run)
	if err != nil {
		return "", err
	}
	res.Fetched, res.New = o.Fetched, o.New
	// The item count only sees rows this run inserted.
	if o.Enriched > res.Enriched {
		res.Enriched = o.Enriched
	}

	var (
		status model.RunStatus
		msgs   []string
	)
	switch {
	case o.Cancelled:
		status = model.RunStatusCancelled
		msgs = append(msgs, errCancelled.Error())
	case o.Err != nil:
		status = model.RunStatusFailed
		msgs = append(msgs, m.preview(o.Err.Error()))
	default:
		status = model.RunStatusSuccess
		if res.TasksFailed > 0 || res.TasksMissing > 0 {
			status = model.RunStatusPartial
		}
		if !run.External() && res.EnrichRatio() < m.opts.MinEnrichRatio {
			status = model.RunStatusPartial
			msgs = append(msgs, fmt.Sprintf("enriched %d of %d saved items", res.Enriched, res.Saved))
		}
	}
	if res.TasksMissing > 0 {
		msgs = append(msgs, fmt.Sprintf("%d tasks never reported", res.TasksMissing))
	}
	if summary := sourceSummary(res.SourceErrors); summary != "" {
		msgs = append(msgs, summary)
	}

	err = m.store.TransitionRun(ctx, id, model.ActiveRunStatuses, store.Transition{
		To:           status,
		ErrorMessage: strings.Join(msgs, "; "),
		Result:       res,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Another process finished it first.
		cur, gerr := m.store.GetRun(ctx, id)
		if gerr != nil {
			return "", gerr
		}
		return cur.Status, nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "runs: finalize %d", id)
	}

	m.opts.Metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	zap.L().Info("runs: finalized",
		zap.Int64("run_id", id),
		zap.String("status", string(status)),
		zap.Int("saved", res.Saved),
		zap.Int("enriched", res.Enriched),
		zap.Int("tasks_failed", res.TasksFailed),
		zap.Int("tasks_missing", res.TasksMissing),
	)
	return status, nil
}

// tally builds the run result from the task ledger and the run's items.
func (m *Manager) tally(ctx context.Context, run *model.Run) (*model.RunResult, error) {
	tasks, err := m.store.ListTasks(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "runs: list tasks")
	}
	res := &model.RunResult{
		DateFrom: run.DateFrom.Format(model.DateLayout),
		DateTo:   run.DateTo.Format(model.DateLayout),
	}
	for _, t := range tasks {
		switch t.Status {
		case model.TaskStatusSuccess:
			res.TasksSucceeded++
			if t.ArticlesSaved != nil {
				res.Saved += *t.ArticlesSaved
			}
		case model.TaskStatusFailed, model.TaskStatusCancelled:
			res.TasksFailed++
			if res.SourceErrors == nil {
				res.SourceErrors = make(map[string]string)
			}
			key := fmt.Sprintf("%s@%s", t.Source, t.Date.Format(model.DateLayout))
			res.SourceErrors[key] = m.preview(t.ErrorMessage)
		}
	}

	expected := len(m.disp.Plan(run))
	if run.TotalTasks != nil {
		expected = *run.TotalTasks
	}
	if missing := expected - res.TasksSucceeded - res.TasksFailed; missing > 0 {
		res.TasksMissing = missing
	}

	_, enriched, err := m.store.RunItemCounts(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "runs: item counts")
	}
	res.Enriched = enriched
	return res, nil
}

func (m *Manager) preview(s string) string {
	r := []rune(s)
	if len(r) <= m.opts.ErrorPreviewChars {
		return s
	}
	return string(r[:m.opts.ErrorPreviewChars]) + "..."
}

// sourceSummary renders failed tasks as "failed sources: hn@2026-02-01: msg, ...".
func sourceSummary(errs map[string]string) string {
	if len(errs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + errs[k]
	}
	return "failed sources: " + strings.Join(parts, ", ")
}

// Wait blocks until every inline run started by m has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown signals every live run to stop and waits for them to record a
// terminal status, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.handles {
		h.cancel(errShutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "runs: shutdown")
	}
}
