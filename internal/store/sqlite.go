package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ainews/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// tsLayout is the fixed-width UTC timestamp encoding used for SQLite columns,
// so that string comparison orders timestamps correctly.
const tsLayout = "2006-01-02T15:04:05.000Z"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	status           TEXT NOT NULL DEFAULT 'queued',
	date_from        TEXT NOT NULL,
	date_to          TEXT NOT NULL,
	sources          TEXT NOT NULL DEFAULT '[]',
	triggered_by     TEXT NOT NULL DEFAULT '',
	total_tasks      INTEGER,
	started_at       TEXT,
	completed_at     TEXT,
	duration_seconds REAL,
	result           TEXT,
	progress         TEXT NOT NULL DEFAULT '{}',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS tasks (
	run_id         INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	source         TEXT NOT NULL,
	task_date      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	articles_saved INTEGER,
	error_message  TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (run_id, source, task_date)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS items (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	dedup_hash        TEXT NOT NULL UNIQUE,
	run_id            INTEGER,
	title             TEXT NOT NULL,
	url               TEXT NOT NULL,
	source_name       TEXT NOT NULL,
	source_type       TEXT NOT NULL,
	author            TEXT NOT NULL DEFAULT '',
	published_at      TEXT,
	digest_date       TEXT NOT NULL,
	engagement_signal INTEGER NOT NULL DEFAULT 0,
	content           TEXT NOT NULL DEFAULT '',
	is_enriched       INTEGER NOT NULL DEFAULT 0,
	enrich_retries    INTEGER NOT NULL DEFAULT 0,
	is_vectorized     INTEGER NOT NULL DEFAULT 0,
	enrichment        TEXT,
	category          TEXT,
	related_item_ids  TEXT,
	ingested_at       TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_digest_date ON items(digest_date);
CREATE INDEX IF NOT EXISTS idx_items_run_id ON items(run_id);
CREATE INDEX IF NOT EXISTS idx_items_enrich_state ON items(is_enriched, ingested_at);
CREATE INDEX IF NOT EXISTS idx_items_vector_state ON items(is_vectorized, ingested_at);

CREATE TABLE IF NOT EXISTS item_vectors (
	item_id    INTEGER PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	embedding  TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteRunColumns = `id, status, date_from, date_to, sources, triggered_by, total_tasks, started_at, completed_at, duration_seconds, result, progress, error_message, created_at, updated_at`

// CreateRun inserts a run unless maxActive queued or running runs already
// exist. The count and insert run as one statement.
func (s *SQLiteStore) CreateRun(ctx context.Context, nr NewRun, maxActive int) (*model.Run, error) {
	sourcesJSON, err := json.Marshal(nr.Sources)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal sources")
	}
	progress := nr.Progress
	if progress == nil {
		progress = map[string]any{}
	}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal progress")
	}

	now := time.Now().UTC()
	var startedAt *time.Time
	if nr.Status == model.RunStatusRunning {
		startedAt = &now
	}

	run := &model.Run{
		Status:      nr.Status,
		DateFrom:    model.Day(nr.DateFrom),
		DateTo:      model.Day(nr.DateTo),
		Sources:     nr.Sources,
		TriggeredBy: nr.TriggeredBy,
		StartedAt:   startedAt,
		Progress:    progress,
		CreatedAt:   now.Truncate(time.Millisecond),
		UpdatedAt:   now.Truncate(time.Millisecond),
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO runs (status, date_from, date_to, sources, triggered_by, progress, started_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT count(*) FROM runs WHERE status IN ('queued', 'running')) < ?
		RETURNING id`,
		string(nr.Status), fmtDate(run.DateFrom), fmtDate(run.DateTo), string(sourcesJSON), nr.TriggeredBy,
		string(progressJSON), fmtNullTS(startedAt), fmtTS(now), fmtTS(now), maxActive,
	).Scan(&run.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTooManyRuns
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

// GetRun returns one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %d", id)
	}
	return r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := sq.Select(sqliteRunColumns).From("runs").OrderBy("created_at DESC", "id DESC").Limit(listLimit(filter.Limit))
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.TriggeredBy != "" {
		q = q.Where(sq.Eq{"triggered_by": filter.TriggeredBy})
	}
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": fmtTS(filter.Since)})
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list runs")
	}
	return s.queryRuns(ctx, "list runs", query, args...)
}

// ActiveRuns returns every queued or running run, oldest first.
func (s *SQLiteStore) ActiveRuns(ctx context.Context) ([]model.Run, error) {
	return s.queryRuns(ctx, "active runs",
		`SELECT `+sqliteRunColumns+` FROM runs WHERE status IN ('queued', 'running') ORDER BY id`)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, op, query string, args ...any) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// TransitionRun moves a run to t.To if its current status is one of from.
func (s *SQLiteStore) TransitionRun(ctx context.Context, id int64, from []model.RunStatus, t Transition) error {
	var resultJSON sql.NullString
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal result")
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	now := time.Now().UTC()
	completed := fmtNullTS(terminalStamp(t.To, now))

	q := sq.Update("runs").
		Set("status", string(t.To)).
		Set("error_message", sq.Expr("CASE WHEN ? = '' THEN error_message ELSE ? END", t.ErrorMessage, t.ErrorMessage)).
		Set("result", sq.Expr("COALESCE(?, result)", resultJSON)).
		Set("started_at", sq.Expr("CASE WHEN ? = 'running' THEN COALESCE(started_at, ?) ELSE started_at END", string(t.To), fmtTS(now))).
		Set("completed_at", completed).
		Set("duration_seconds", sq.Expr(
			"CASE WHEN ? IS NULL THEN NULL ELSE (julianday(?) - julianday(COALESCE(started_at, created_at))) * 86400.0 END",
			completed, completed)).
		Set("updated_at", fmtTS(now)).
		Where(sq.Eq{"id": id, "status": statusStrings(from)})
	query, args, err := q.ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build transition")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition run %d to %s", id, t.To)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "run %d to %s", id, t.To)
	}
	return nil
}

// MergeRunProgress merges patch into the stored progress key by key.
func (s *SQLiteStore) MergeRunProgress(ctx context.Context, id int64, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress = json_patch(COALESCE(progress, '{}'), ?), updated_at = ? WHERE id = ?`,
		string(patchJSON), fmtTS(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: merge progress %d", id)
	}
	return checkRowsAffected(res, ErrRunNotFound)
}

// SetTotalTasks records the fan-out size while the run is still queued.
func (s *SQLiteStore) SetTotalTasks(ctx context.Context, id int64, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET total_tasks = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
		total, fmtTS(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set total tasks %d", id)
	}
	return checkRowsAffected(res, eris.Wrapf(ErrInvalidTransition, "set total tasks on run %d", id))
}

// RunStatusCounts counts runs created since the given time by status.
func (s *SQLiteStore) RunStatusCounts(ctx context.Context, since time.Time) (map[model.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM runs WHERE created_at >= ? GROUP BY status`, fmtTS(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run status counts")
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run status count")
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: run status counts iterate")
}

// PurgeRun deletes a run and its tasks.
func (s *SQLiteStore) PurgeRun(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: purge run %d", id)
	}
	return checkRowsAffected(res, ErrRunNotFound)
}

func checkRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, dateFrom, dateTo, sourcesJSON, progressJSON, createdAt, updatedAt string
	var total sql.NullInt64
	var startedAt, completedAt, resultJSON sql.NullString
	var duration sql.NullFloat64

	err := row.Scan(&r.ID, &status, &dateFrom, &dateTo, &sourcesJSON, &r.TriggeredBy,
		&total, &startedAt, &completedAt, &duration, &resultJSON,
		&progressJSON, &r.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.DateFrom = parseDate(dateFrom)
	r.DateTo = parseDate(dateTo)
	r.CreatedAt = parseTS(createdAt)
	r.UpdatedAt = parseTS(updatedAt)
	r.StartedAt = parseNullTS(startedAt)
	r.CompletedAt = parseNullTS(completedAt)
	if total.Valid {
		n := int(total.Int64)
		r.TotalTasks = &n
	}
	if duration.Valid {
		d := duration.Float64
		r.DurationSeconds = &d
	}
	var result *[]byte
	if resultJSON.Valid {
		b := []byte(resultJSON.String)
		result = &b
	}
	if err := decodeRunJSON(&r, []byte(sourcesJSON), []byte(progressJSON), result); err != nil {
		return nil, err
	}
	return &r, nil
}

func fmtTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func fmtNullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTS(*t), Valid: true}
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTS(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTS(s.String)
	return &t
}

func fmtDate(t time.Time) string {
	return model.Day(t).Format(model.DateLayout)
}

func parseDate(s string) time.Time {
	t, _ := model.ParseDate(s)
	return t
}
