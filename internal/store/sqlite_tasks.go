package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/db"
	"github.com/sells-group/ainews/internal/model"
)

// UpsertTask writes the task state, creating the row on first write.
func (s *SQLiteStore) UpsertTask(ctx context.Context, u TaskUpdate) error {
	query, err := db.BuildUpsert(taskUpsert, 1, db.Question)
	if err != nil {
		return eris.Wrap(err, "sqlite: build task upsert")
	}
	var saved any
	if u.ArticlesSaved != nil {
		saved = *u.ArticlesSaved
	}
	_, err = s.db.ExecContext(ctx, query,
		u.Key.RunID, string(u.Key.Source), fmtDate(u.Key.Date), string(u.Status),
		saved, u.ErrorMessage, fmtTS(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: upsert task %s", u.Key.Name())
}

// GetTask returns one task, or nil if it was never written.
func (s *SQLiteStore) GetTask(ctx context.Context, key model.TaskKey) (*model.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`SELECT run_id, source, task_date, status, articles_saved, error_message, updated_at
		FROM tasks WHERE run_id = ? AND source = ? AND task_date = ?`,
		key.RunID, string(key.Source), fmtDate(key.Date),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", key.Name())
	}
	return t, nil
}

// ListTasks returns the tasks of a run.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID int64) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, source, task_date, status, articles_saved, error_message, updated_at
		FROM tasks WHERE run_id = ? ORDER BY task_date, source`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks %d", runID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

// TaskCounts tallies a run's tasks by status.
func (s *SQLiteStore) TaskCounts(ctx context.Context, runID int64) (model.TaskCounts, error) {
	var c model.TaskCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE run_id = ?`, runID,
	).Scan(&c.Total, &c.Pending, &c.Running, &c.Success, &c.Failed)
	if err != nil {
		return c, eris.Wrapf(err, "sqlite: task counts %d", runID)
	}
	return c, nil
}

// ExpireStaleTasks fails running tasks last updated before the cutoff.
func (s *SQLiteStore) ExpireStaleTasks(ctx context.Context, runID int64, before time.Time, msg string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', error_message = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running' AND updated_at < ?`,
		msg, fmtTS(time.Now()), runID, fmtTS(before),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: expire stale tasks %d", runID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func scanSQLiteTask(row scannable) (*model.Task, error) {
	var t model.Task
	var source, status, date, updatedAt string
	var saved sql.NullInt64
	if err := row.Scan(&t.RunID, &source, &date, &status, &saved, &t.ErrorMessage, &updatedAt); err != nil {
		return nil, err
	}
	t.Source = model.Source(source)
	t.Status = model.TaskStatus(status)
	t.Date = parseDate(date)
	t.UpdatedAt = parseTS(updatedAt)
	if saved.Valid {
		n := int(saved.Int64)
		t.ArticlesSaved = &n
	}
	return &t, nil
}
