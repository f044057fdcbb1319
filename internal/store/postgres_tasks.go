package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/db"
	"github.com/sells-group/ainews/internal/model"
)

var taskUpsert = db.UpsertConfig{
	Table:        "tasks",
	Columns:      []string{"run_id", "source", "task_date", "status", "articles_saved", "error_message", "updated_at"},
	ConflictKeys: []string{"run_id", "source", "task_date"},
}

// UpsertTask writes the task state, creating the row on first write.
func (s *PostgresStore) UpsertTask(ctx context.Context, u TaskUpdate) error {
	query, err := db.BuildUpsert(taskUpsert, 1, db.Dollar)
	if err != nil {
		return eris.Wrap(err, "postgres: build task upsert")
	}
	_, err = s.pool.Exec(ctx, query,
		u.Key.RunID, string(u.Key.Source), model.Day(u.Key.Date), string(u.Status),
		u.ArticlesSaved, u.ErrorMessage, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert task %s", u.Key.Name())
}

// GetTask returns one task, or nil if it was never written.
func (s *PostgresStore) GetTask(ctx context.Context, key model.TaskKey) (*model.Task, error) {
	t, err := scanPGTask(s.pool.QueryRow(ctx,
		`SELECT run_id, source, task_date, status, articles_saved, error_message, updated_at
		FROM tasks WHERE run_id = $1 AND source = $2 AND task_date = $3`,
		key.RunID, string(key.Source), model.Day(key.Date),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", key.Name())
	}
	return t, nil
}

// ListTasks returns the tasks of a run.
func (s *PostgresStore) ListTasks(ctx context.Context, runID int64) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, source, task_date, status, articles_saved, error_message, updated_at
		FROM tasks WHERE run_id = $1 ORDER BY task_date, source`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks %d", runID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

// TaskCounts tallies a run's tasks by status.
func (s *PostgresStore) TaskCounts(ctx context.Context, runID int64) (model.TaskCounts, error) {
	var c model.TaskCounts
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'running'),
			count(*) FILTER (WHERE status = 'success'),
			count(*) FILTER (WHERE status = 'failed')
		FROM tasks WHERE run_id = $1`, runID,
	).Scan(&c.Total, &c.Pending, &c.Running, &c.Success, &c.Failed)
	if err != nil {
		return c, eris.Wrapf(err, "postgres: task counts %d", runID)
	}
	return c, nil
}

// ExpireStaleTasks fails running tasks last updated before the cutoff.
func (s *PostgresStore) ExpireStaleTasks(ctx context.Context, runID int64, before time.Time, msg string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'failed', error_message = $3, updated_at = $4
		WHERE run_id = $1 AND status = 'running' AND updated_at < $2`,
		runID, before, msg, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: expire stale tasks %d", runID)
	}
	return int(tag.RowsAffected()), nil
}

func scanPGTask(row scannable) (*model.Task, error) {
	var t model.Task
	var source, status string
	var saved *int
	if err := row.Scan(&t.RunID, &source, &t.Date, &status, &saved, &t.ErrorMessage, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Source = model.Source(source)
	t.Status = model.TaskStatus(status)
	t.ArticlesSaved = saved
	return &t, nil
}
