package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ainews/internal/enrich"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/queue"
	"github.com/sells-group/ainews/internal/store"
)

// RunStore is the run persistence used by a Dispatcher.
type RunStore interface {
	SetTotalTasks(ctx context.Context, id int64, total int) error
	MergeRunProgress(ctx context.Context, id int64, patch map[string]any) error
	UpsertTask(ctx context.Context, u store.TaskUpdate) error
}

// Enricher enriches the items saved for one date of an inline run.
type Enricher interface {
	Enrich(ctx context.Context, req enrich.Request) (enrich.Outcome, error)
}

// Vectorizer embeds the items saved for one date of an inline run.
type Vectorizer interface {
	Vectorize(ctx context.Context, ids []int64) (int, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Concurrency bounds the dates processed at once by an inline run.
	Concurrency int
	Trending    Trending
	Enricher    Enricher
	Vectorizer  Vectorizer
	Queue       queue.Queue
}

// Dispatcher fans runs out into tasks.
type Dispatcher struct {
	store RunStore
	exec  *Executor
	opts  Options
	now   func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st RunStore, exec *Executor, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	return &Dispatcher{store: st, exec: exec, opts: opts, now: time.Now}
}

// Plan returns the tasks of run under the dispatcher's trending settings.
func (d *Dispatcher) Plan(run *model.Run) []model.TaskKey {
	return Plan(run, d.opts.Trending)
}

// InlineOutcome is the aggregate of an inline run.
type InlineOutcome struct {
	Reports  []TaskReport
	Enriched int
	// EnrichErr is the first run-level enrichment failure, such as no usable
	// provider. Enrichment is not attempted for later dates once it is set.
	EnrichErr error
}

// RunInline executes every task of run in this process. Dates are processed
// up to Concurrency at a time; within a date the sources are fetched
// concurrently and independently, then the date's new items are enriched.
// Cancellation is observed between stages; the partial outcome is returned
// with the context error.
func (d *Dispatcher) RunInline(ctx context.Context, run *model.Run) (*InlineOutcome, error) {
	keys := d.Plan(run)
	dates, groups := byDate(keys)
	log := zap.L().With(zap.Int64("run_id", run.ID))

	if err := d.store.MergeRunProgress(ctx, run.ID, map[string]any{
		"tasks_total": len(keys),
		"dates_total": len(dates),
	}); err != nil {
		return nil, eris.Wrap(err, "dispatch: record task total")
	}
	log.Info("dispatch: inline run starting", zap.Int("tasks", len(keys)), zap.Int("dates", len(dates)))

	var (
		mu        sync.Mutex
		out       = &InlineOutcome{}
		tasksDone atomic.Int64
		datesDone atomic.Int64
		saved     atomic.Int64
		enriched  atomic.Int64
		stopEnr   atomic.Bool
	)
	progress := func() {
		if err := d.store.MergeRunProgress(context.WithoutCancel(ctx), run.ID, map[string]any{
			"tasks_done": tasksDone.Load(),
			"dates_done": datesDone.Load(),
			"saved":      saved.Load(),
			"enriched":   enriched.Load(),
		}); err != nil {
			log.Warn("dispatch: progress update failed", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, date := range dates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			reports := d.fetchDate(gctx, groups[date])

			var ids []int64
			for _, r := range reports {
				ids = append(ids, r.ItemIDs...)
				saved.Add(int64(r.Saved))
			}
			tasksDone.Add(int64(len(reports)))
			mu.Lock()
			out.Reports = append(out.Reports, reports...)
			mu.Unlock()
			progress()

			if gctx.Err() != nil {
				return gctx.Err()
			}
			if d.opts.Enricher != nil && !stopEnr.Load() {
				res, err := d.opts.Enricher.Enrich(gctx, enrich.Request{ItemIDs: ids, RunID: run.ID, Date: date})
				enriched.Add(int64(res.Enriched))
				if err != nil && gctx.Err() == nil {
					log.Error("dispatch: enrichment failed", zap.String("date", date.Format(model.DateLayout)), zap.Error(err))
					stopEnr.Store(true)
					mu.Lock()
					if out.EnrichErr == nil {
						out.EnrichErr = err
					}
					mu.Unlock()
				}
			}
			if d.opts.Vectorizer != nil && len(ids) > 0 {
				if _, err := d.opts.Vectorizer.Vectorize(gctx, ids); err != nil {
					log.Warn("dispatch: vectorize failed", zap.String("date", date.Format(model.DateLayout)), zap.Error(err))
				}
			}
			datesDone.Add(1)
			progress()
			return gctx.Err()
		})
	}
	err := g.Wait()
	out.Enriched = int(enriched.Load())

	if err != nil {
		return out, eris.Wrap(err, "dispatch: inline run interrupted")
	}
	log.Info("dispatch: inline run finished",
		zap.Int("tasks", len(out.Reports)),
		zap.Int64("saved", saved.Load()),
		zap.Int("enriched", out.Enriched),
	)
	return out, nil
}

// fetchDate executes the tasks of one date concurrently. A failing source
// only fails its own task.
func (d *Dispatcher) fetchDate(ctx context.Context, keys []model.TaskKey) []TaskReport {
	reports := make([]TaskReport, len(keys))
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = d.exec.ExecuteTask(ctx, k)
		}()
	}
	wg.Wait()
	return reports
}

// DispatchReport summarises an external fan-out.
type DispatchReport struct {
	Total      int `json:"total"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Dispatch persists the task total on run and submits every task to the
// queue. Tasks the queue already knows count as dispatched; enqueue
// failures are recorded as failed tasks so the reconciler can finish the run.
func (d *Dispatcher) Dispatch(ctx context.Context, run *model.Run) (*DispatchReport, error) {
	if d.opts.Queue == nil {
		return nil, eris.New("dispatch: no queue configured")
	}
	keys := d.Plan(run)
	if err := d.store.SetTotalTasks(ctx, run.ID, len(keys)); err != nil {
		return nil, eris.Wrap(err, "dispatch: set total tasks")
	}

	start := time.Now()
	rep := &DispatchReport{Total: len(keys)}
	for _, k := range keys {
		if ctx.Err() != nil {
			return rep, eris.Wrap(ctx.Err(), "dispatch: cancelled")
		}
		name := TaskName(k)
		res, err := d.opts.Queue.Enqueue(ctx, name, k.Payload())
		switch res {
		case queue.EnqueueOK:
			rep.Enqueued++
		case queue.EnqueueAlreadyExists:
			rep.Duplicates++
		default:
			rep.Failed++
			zap.L().Error("dispatch: enqueue failed", zap.String("task", name), zap.Error(err))
			msg := "enqueue failed"
			if err != nil {
				msg += ": " + err.Error()
			}
			if uerr := d.store.UpsertTask(ctx, store.TaskUpdate{Key: k, Status: model.TaskStatusFailed, ErrorMessage: msg}); uerr != nil {
				zap.L().Error("dispatch: record enqueue failure", zap.String("task", name), zap.Error(uerr))
			}
		}
	}
	zap.L().Info("dispatch: run fanned out",
		zap.Int64("run_id", run.ID),
		zap.Int("total", rep.Total),
		zap.Int("enqueued", rep.Enqueued),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("failed", rep.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

// Requeue submits keys of an external run again after they failed. Each
// task is reset to pending first so the reconciler waits for its new
// report, and gets a fresh queue name since the original one is still
// remembered by the queue's duplicate detection.
func (d *Dispatcher) Requeue(ctx context.Context, run *model.Run, keys []model.TaskKey) (*DispatchReport, error) {
	if d.opts.Queue == nil {
		return nil, eris.New("dispatch: no queue configured")
	}
	stamp := d.now().Unix()
	rep := &DispatchReport{Total: len(keys)}
	for _, k := range keys {
		if ctx.Err() != nil {
			return rep, eris.Wrap(ctx.Err(), "dispatch: requeue cancelled")
		}
		if err := d.store.UpsertTask(ctx, store.TaskUpdate{Key: k, Status: model.TaskStatusPending}); err != nil {
			return rep, eris.Wrapf(err, "dispatch: reset task %s", TaskName(k))
		}
		name := RetryTaskName(k, stamp)
		res, err := d.opts.Queue.Enqueue(ctx, name, k.Payload())
		switch res {
		case queue.EnqueueOK:
			rep.Enqueued++
		case queue.EnqueueAlreadyExists:
			rep.Duplicates++
		default:
			rep.Failed++
			msg := "re-enqueue failed"
			if err != nil {
				msg += ": " + err.Error()
			}
			zap.L().Error("dispatch: re-enqueue failed", zap.String("task", name), zap.Error(err))
			if uerr := d.store.UpsertTask(ctx, store.TaskUpdate{Key: k, Status: model.TaskStatusFailed, ErrorMessage: msg}); uerr != nil {
				zap.L().Error("dispatch: record re-enqueue failure", zap.String("task", name), zap.Error(uerr))
			}
		}
	}
	zap.L().Info("dispatch: failed tasks re-enqueued",
		zap.Int64("run_id", run.ID),
		zap.Int("total", rep.Total),
		zap.Int("enqueued", rep.Enqueued),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}
