package dispatch

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/dedup"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/source"
	"github.com/sells-group/ainews/internal/store"
)

// TaskStore is the task and item persistence used by an Executor.
type TaskStore interface {
	UpsertTask(ctx context.Context, u store.TaskUpdate) error
	GetTask(ctx context.Context, key model.TaskKey) (*model.Task, error)
	InsertItems(ctx context.Context, runID int64, items []model.NewItem) ([]int64, error)
}

// Deduper filters fetched items down to the new ones.
type Deduper interface {
	Filter(ctx context.Context, raw []model.RawItem) (*dedup.Result, error)
}

// Forwarder announces saved items to downstream consumers.
type Forwarder interface {
	PublishSaved(ctx context.Context, msg model.SavedItems) error
}

// TaskReport is the outcome of one task execution.
type TaskReport struct {
	Key     model.TaskKey    `json:"-"`
	Status  model.TaskStatus `json:"status"`
	Fetched int              `json:"fetched"`
	New     int              `json:"new"`
	Saved   int              `json:"saved"`
	// Skipped is set when the task had already succeeded and was not re-run.
	Skipped bool    `json:"skipped,omitempty"`
	ItemIDs []int64 `json:"-"`
	Err     error   `json:"-"`
}

// ExecOptions configures an Executor.
type ExecOptions struct {
	FetchTimeout time.Duration
	Metrics      *monitoring.Metrics
}

// Executor runs single fetch tasks: fetch, dedup, save and forward.
type Executor struct {
	store    TaskStore
	sources  source.Set
	dedup    Deduper
	fwd      Forwarder
	opts     ExecOptions
	validate *validator.Validate
}

// NewExecutor creates an Executor. fwd may be nil when saved items are
// handled by the caller, as in inline runs.
func NewExecutor(st TaskStore, sources source.Set, dd Deduper, fwd Forwarder, opts ExecOptions) *Executor {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Minute
	}
	opts.Metrics = monitoring.OrNoop(opts.Metrics)
	return &Executor{store: st, sources: sources, dedup: dd, fwd: fwd, opts: opts, validate: validator.New()}
}

// ExecuteTask runs one (source, date) task and records its outcome on the
// task row. Fetch, dedup and save failures are recorded as a failed task and
// never returned; Err is set only when the task state itself could not be
// written, so a queue may redeliver.
func (e *Executor) ExecuteTask(ctx context.Context, key model.TaskKey) TaskReport {
	log := zap.L().With(
		zap.Int64("run_id", key.RunID),
		zap.String("source", string(key.Source)),
		zap.String("date", key.Date.Format(model.DateLayout)),
	)
	rep := TaskReport{Key: key}

	prev, err := e.store.GetTask(ctx, key)
	if err != nil {
		rep.Err = eris.Wrap(err, "dispatch: load task")
		return rep
	}
	if prev != nil && prev.Status == model.TaskStatusSuccess {
		log.Info("dispatch: task already succeeded, skipping redelivery")
		rep.Status = model.TaskStatusSuccess
		rep.Skipped = true
		if prev.ArticlesSaved != nil {
			rep.Saved = *prev.ArticlesSaved
		}
		return rep
	}

	if err := e.store.UpsertTask(ctx, store.TaskUpdate{Key: key, Status: model.TaskStatusRunning}); err != nil {
		rep.Err = eris.Wrap(err, "dispatch: mark task running")
		return rep
	}

	start := time.Now()
	if err := e.run(ctx, key, &rep); err != nil {
		rep.Status = model.TaskStatusFailed
		log.Error("dispatch: task failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		if werr := e.store.UpsertTask(context.WithoutCancel(ctx), store.TaskUpdate{
			Key:          key,
			Status:       model.TaskStatusFailed,
			ErrorMessage: err.Error(),
		}); werr != nil {
			rep.Err = eris.Wrap(werr, "dispatch: mark task failed")
		}
		e.opts.Metrics.TasksFinished.WithLabelValues(string(key.Source), string(rep.Status)).Inc()
		return rep
	}

	saved := rep.Saved
	if err := e.store.UpsertTask(context.WithoutCancel(ctx), store.TaskUpdate{
		Key:           key,
		Status:        model.TaskStatusSuccess,
		ArticlesSaved: &saved,
	}); err != nil {
		rep.Err = eris.Wrap(err, "dispatch: mark task succeeded")
		return rep
	}
	rep.Status = model.TaskStatusSuccess
	e.opts.Metrics.TasksFinished.WithLabelValues(string(key.Source), string(rep.Status)).Inc()
	log.Info("dispatch: task complete",
		zap.Int("fetched", rep.Fetched),
		zap.Int("new", rep.New),
		zap.Int("saved", rep.Saved),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep
}

func (e *Executor) run(ctx context.Context, key model.TaskKey, rep *TaskReport) error {
	raw, err := e.fetch(ctx, key)
	if err != nil {
		return err
	}
	rep.Fetched = len(raw)

	res, err := e.dedup.Filter(ctx, raw)
	if err != nil {
		return eris.Wrap(err, "dedup")
	}
	rep.New = len(res.Items)

	ids, err := e.store.InsertItems(ctx, key.RunID, res.Items)
	if err != nil {
		return eris.Wrap(err, "save items")
	}
	rep.Saved = len(ids)
	rep.ItemIDs = ids
	e.opts.Metrics.ItemsSaved.Add(float64(len(ids)))

	if e.fwd != nil && len(ids) > 0 {
		msg := model.SavedItems{
			RunID:   key.RunID,
			Source:  key.Source,
			Date:    key.Date.Format(model.DateLayout),
			ItemIDs: ids,
		}
		// Items stay pending; the scrubber republishes them if this is lost.
		if err := e.fwd.PublishSaved(ctx, msg); err != nil {
			zap.L().Warn("dispatch: publish saved items failed",
				zap.Int64("run_id", key.RunID),
				zap.Int("items", len(ids)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// fetch calls the source fetcher with a timeout, converting a panic into an
// error so it stays confined to this task.
func (e *Executor) fetch(ctx context.Context, key model.TaskKey) (items []model.RawItem, err error) {
	f, err := e.sources.Get(key.Source)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("dispatch: fetcher panicked",
				zap.String("source", string(key.Source)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			items, err = nil, eris.Errorf("fetch %s: panic: %v", key.Source, r)
		}
	}()

	items, err = f.Fetch(ctx, key.Date)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", key.Source)
	}
	return items, nil
}

// HandleDelivery executes a task delivered by an external queue. Malformed
// payloads are dropped. A failed task or an unwritable task state returns an
// error so the queue redelivers; a redelivered task that already succeeded
// is skipped by ExecuteTask.
func (e *Executor) HandleDelivery(ctx context.Context, payload []byte) error {
	var p model.TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		zap.L().Warn("dispatch: dropping malformed task", zap.Error(err))
		return nil
	}
	if err := e.validate.Struct(p); err != nil {
		zap.L().Warn("dispatch: dropping invalid task", zap.Error(err))
		return nil
	}
	key, err := p.Key()
	if err != nil {
		zap.L().Warn("dispatch: dropping task with bad date", zap.String("date", p.Date), zap.Error(err))
		return nil
	}
	rep := e.ExecuteTask(ctx, key)
	if rep.Err != nil {
		return eris.Wrapf(rep.Err, "task %s", key.Name())
	}
	if rep.Status == model.TaskStatusFailed {
		return eris.Errorf("task %s failed", key.Name())
	}
	return nil
}
