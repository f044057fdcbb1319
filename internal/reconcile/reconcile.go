// Package reconcile rolls task completion up into run completion and
// recovers runs whose worker disappeared.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/runs"
	"github.com/sells-group/ainews/internal/store"
)

// Store is the ledger access used by a Reconciler.
type Store interface {
	ActiveRuns(ctx context.Context) ([]model.Run, error)
	ExpireStaleTasks(ctx context.Context, runID int64, before time.Time, msg string) (int, error)
	TaskCounts(ctx context.Context, runID int64) (model.TaskCounts, error)
	TransitionRun(ctx context.Context, id int64, from []model.RunStatus, t store.Transition) error
}

// Finalizer closes runs. Implemented by runs.Manager.
type Finalizer interface {
	Finalize(ctx context.Context, id int64, o runs.Outcome) (model.RunStatus, error)
	HasHandle(id int64) bool
}

// Options configures a Reconciler.
type Options struct {
	// StaleTask is how long a task may stay running without an update.
	StaleTask time.Duration
	// StaleRun is the age after which a run with missing tasks is closed,
	// and the heartbeat age after which an inline run is presumed lost.
	StaleRun time.Duration
	Metrics  *monitoring.Metrics
}

// Report summarises one reconcile pass.
type Report struct {
	Checked      int              `json:"checked"`
	TasksExpired int              `json:"tasks_expired"`
	Started      []int64          `json:"started"`
	Finalized    []FinalizedRun   `json:"finalized"`
	Errors       map[int64]string `json:"errors,omitempty"`
}

// FinalizedRun is a run closed by a pass.
type FinalizedRun struct {
	ID     int64           `json:"id"`
	Status model.RunStatus `json:"status"`
}

// Reconciler is safe to run concurrently with itself; every run transition is
// a guarded update.
type Reconciler struct {
	store Store
	fin   Finalizer
	opts  Options
	now   func() time.Time
}

// New creates a Reconciler.
func New(st Store, fin Finalizer, opts Options) *Reconciler {
	if opts.StaleTask <= 0 {
		opts.StaleTask = 10 * time.Minute
	}
	if opts.StaleRun <= 0 {
		opts.StaleRun = 15 * time.Minute
	}
	opts.Metrics = monitoring.OrNoop(opts.Metrics)
	return &Reconciler{store: st, fin: fin, opts: opts, now: time.Now}
}

// Reconcile makes one pass over every queued or running run. A failure on
// one run is recorded in the report and does not stop the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	start := r.now()
	defer func() {
		r.opts.Metrics.LoopDuration.WithLabelValues("reconcile").Observe(time.Since(start).Seconds())
	}()

	active, err := r.store.ActiveRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list active runs")
	}
	r.opts.Metrics.ActiveRuns.Set(float64(len(active)))

	rep := &Report{Checked: len(active), Started: []int64{}, Finalized: []FinalizedRun{}}
	for i := range active {
		if ctx.Err() != nil {
			return rep, eris.Wrap(ctx.Err(), "reconcile: cancelled")
		}
		run := &active[i]
		var err error
		if run.External() {
			err = r.external(ctx, run, rep)
		} else {
			err = r.inline(ctx, run, rep)
		}
		if err != nil {
			zap.L().Error("reconcile: run failed", zap.Int64("run_id", run.ID), zap.Error(err))
			if rep.Errors == nil {
				rep.Errors = make(map[int64]string)
			}
			rep.Errors[run.ID] = err.Error()
		}
	}

	if len(rep.Finalized) > 0 || rep.TasksExpired > 0 {
		zap.L().Info("reconcile: pass complete",
			zap.Int("checked", rep.Checked),
			zap.Int("tasks_expired", rep.TasksExpired),
			zap.Int("finalized", len(rep.Finalized)),
			zap.Int("started", len(rep.Started)),
		)
	}
	return rep, nil
}

// external reconciles a queue-dispatched run from its task ledger.
func (r *Reconciler) external(ctx context.Context, run *model.Run, rep *Report) error {
	now := r.now()
	msg := fmt.Sprintf("worker did not report back within %s", r.opts.StaleTask)
	n, err := r.store.ExpireStaleTasks(ctx, run.ID, now.Add(-r.opts.StaleTask), msg)
	if err != nil {
		return err
	}
	if n > 0 {
		rep.TasksExpired += n
		zap.L().Warn("reconcile: expired stale tasks", zap.Int64("run_id", run.ID), zap.Int("tasks", n))
	}

	counts, err := r.store.TaskCounts(ctx, run.ID)
	if err != nil {
		return err
	}
	total := *run.TotalTasks
	missing := total - counts.Total
	staleRun := now.Sub(runStart(run)) > r.opts.StaleRun && missing > 0

	if counts.Completed() < total && !staleRun {
		if run.Status == model.RunStatusQueued && counts.Started() {
			err := r.store.TransitionRun(ctx, run.ID, []model.RunStatus{model.RunStatusQueued}, store.Transition{To: model.RunStatusRunning})
			if errors.Is(err, store.ErrInvalidTransition) {
				return nil
			}
			if err != nil {
				return err
			}
			rep.Started = append(rep.Started, run.ID)
		}
		return nil
	}

	return r.finalize(ctx, run.ID, runs.Outcome{}, rep)
}

// inline fails inline runs whose process is gone: no handle here and no
// recent heartbeat from anywhere else.
func (r *Reconciler) inline(ctx context.Context, run *model.Run, rep *Report) error {
	if r.fin.HasHandle(run.ID) {
		return nil
	}
	last := lastHeartbeat(run)
	if r.now().Sub(last) <= r.opts.StaleRun {
		return nil
	}
	lost := eris.Errorf("process lost: no heartbeat since %s", last.UTC().Format(time.RFC3339))
	return r.finalize(ctx, run.ID, runs.Outcome{Err: lost}, rep)
}

func (r *Reconciler) finalize(ctx context.Context, id int64, o runs.Outcome, rep *Report) error {
	status, err := r.fin.Finalize(ctx, id, o)
	if err != nil {
		return err
	}
	rep.Finalized = append(rep.Finalized, FinalizedRun{ID: id, Status: status})
	return nil
}

func runStart(run *model.Run) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}

// lastHeartbeat is the newest liveness evidence for an inline run.
func lastHeartbeat(run *model.Run) time.Time {
	last := run.CreatedAt
	if run.UpdatedAt.After(last) {
		last = run.UpdatedAt
	}
	if s, ok := run.Progress["heartbeat_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil && t.After(last) {
			last = t
		}
	}
	return last
}

// Loop reconciles every interval until ctx is cancelled.
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := zap.L().With(zap.String("component", "reconcile"))
	log.Info("starting reconciler", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Error("reconcile: pass failed", zap.Error(err))
			}
		}
	}
}
