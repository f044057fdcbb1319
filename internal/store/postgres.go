package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/db"
	"github.com/sells-group/ainews/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	ping    func(context.Context) error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// admissionLockKey serializes run admission across processes.
const admissionLockKey = 7_241_001

var pgsq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, ping: pool.Ping}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               BIGSERIAL PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'queued',
	date_from        DATE NOT NULL,
	date_to          DATE NOT NULL,
	sources          JSONB NOT NULL DEFAULT '[]'::jsonb,
	triggered_by     TEXT NOT NULL DEFAULT '',
	total_tasks      INTEGER,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION,
	result           JSONB,
	progress         JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS tasks (
	run_id         BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	source         TEXT NOT NULL,
	task_date      DATE NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	articles_saved INTEGER,
	error_message  TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, source, task_date)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS items (
	id                BIGSERIAL PRIMARY KEY,
	dedup_hash        TEXT NOT NULL UNIQUE,
	run_id            BIGINT,
	title             TEXT NOT NULL,
	url               TEXT NOT NULL,
	source_name       TEXT NOT NULL,
	source_type       TEXT NOT NULL,
	author            TEXT NOT NULL DEFAULT '',
	published_at      TIMESTAMPTZ,
	digest_date       DATE NOT NULL,
	engagement_signal INTEGER NOT NULL DEFAULT 0,
	content           TEXT NOT NULL DEFAULT '',
	is_enriched       SMALLINT NOT NULL DEFAULT 0,
	enrich_retries    INTEGER NOT NULL DEFAULT 0,
	is_vectorized     SMALLINT NOT NULL DEFAULT 0,
	enrichment        JSONB,
	category          TEXT,
	related_item_ids  JSONB,
	ingested_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_digest_date ON items(digest_date);
CREATE INDEX IF NOT EXISTS idx_items_run_id ON items(run_id);
CREATE INDEX IF NOT EXISTS idx_items_enrich_state ON items(is_enriched, ingested_at);
CREATE INDEX IF NOT EXISTS idx_items_vector_state ON items(is_vectorized, ingested_at);

CREATE TABLE IF NOT EXISTS item_vectors (
	item_id    BIGINT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	embedding  REAL[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.ping != nil {
		return eris.Wrap(s.ping(ctx), "postgres: ping")
	}
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgRunColumns = `id, status, date_from, date_to, sources, triggered_by, total_tasks, started_at, completed_at, duration_seconds, result, progress, error_message, created_at, updated_at`

// CreateRun inserts a run unless maxActive queued or running runs already exist.
func (s *PostgresStore) CreateRun(ctx context.Context, nr NewRun, maxActive int) (*model.Run, error) {
	sourcesJSON, err := json.Marshal(nr.Sources)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal sources")
	}
	progress := nr.Progress
	if progress == nil {
		progress = map[string]any{}
	}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal progress")
	}

	now := time.Now().UTC()
	var startedAt *time.Time
	if nr.Status == model.RunStatusRunning {
		startedAt = &now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
		return nil, eris.Wrap(err, "postgres: admission lock")
	}

	run := &model.Run{
		Status:      nr.Status,
		DateFrom:    model.Day(nr.DateFrom),
		DateTo:      model.Day(nr.DateTo),
		Sources:     nr.Sources,
		TriggeredBy: nr.TriggeredBy,
		StartedAt:   startedAt,
		Progress:    progress,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO runs (status, date_from, date_to, sources, triggered_by, progress, started_at, created_at, updated_at)
		SELECT $1::text, $2::date, $3::date, $4::jsonb, $5::text, $6::jsonb, $7::timestamptz, $8::timestamptz, $8::timestamptz
		WHERE (SELECT count(*) FROM runs WHERE status = ANY($9)) < $10
		RETURNING id, created_at, updated_at`,
		string(nr.Status), run.DateFrom, run.DateTo, sourcesJSON, nr.TriggeredBy, progressJSON, startedAt, now,
		statusStrings(model.ActiveRunStatuses), maxActive,
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTooManyRuns
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create run")
	}
	return run, nil
}

// GetRun returns one run.
func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	r, err := scanPGRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %d", id)
	}
	return r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := pgsq.Select(pgRunColumns).From("runs").OrderBy("created_at DESC").Limit(listLimit(filter.Limit))
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.TriggeredBy != "" {
		q = q.Where(sq.Eq{"triggered_by": filter.TriggeredBy})
	}
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.Since})
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list runs")
	}
	return s.queryRuns(ctx, "list runs", query, args...)
}

// ActiveRuns returns every queued or running run, oldest first.
func (s *PostgresStore) ActiveRuns(ctx context.Context) ([]model.Run, error) {
	return s.queryRuns(ctx, "active runs",
		`SELECT `+pgRunColumns+` FROM runs WHERE status = ANY($1) ORDER BY id`,
		statusStrings(model.ActiveRunStatuses),
	)
}

func (s *PostgresStore) queryRuns(ctx context.Context, op, query string, args ...any) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", op)
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

// TransitionRun moves a run to t.To if its current status is one of from.
func (s *PostgresStore) TransitionRun(ctx context.Context, id int64, from []model.RunStatus, t Transition) error {
	var resultJSON []byte
	if t.Result != nil {
		var err error
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal result")
		}
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2::text,
			error_message = CASE WHEN $3::text = '' THEN error_message ELSE $3::text END,
			result = COALESCE($4::jsonb, result),
			started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, $5::timestamptz) ELSE started_at END,
			completed_at = $6::timestamptz,
			duration_seconds = CASE WHEN $6::timestamptz IS NULL THEN NULL
				ELSE EXTRACT(EPOCH FROM ($6::timestamptz - COALESCE(started_at, created_at))) END,
			updated_at = $5::timestamptz
		WHERE id = $1 AND status = ANY($7)`,
		id, string(t.To), t.ErrorMessage, resultJSON, now, terminalStamp(t.To, now), statusStrings(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition run %d to %s", id, t.To)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "run %d to %s", id, t.To)
	}
	return nil
}

// MergeRunProgress merges patch into the stored progress key by key.
func (s *PostgresStore) MergeRunProgress(ctx context.Context, id int64, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET progress = COALESCE(progress, '{}'::jsonb) || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, patchJSON, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge progress %d", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SetTotalTasks records the fan-out size while the run is still queued.
func (s *PostgresStore) SetTotalTasks(ctx context.Context, id int64, total int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET total_tasks = $2, updated_at = $3 WHERE id = $1 AND status = 'queued'`,
		id, total, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set total tasks %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "set total tasks on run %d", id)
	}
	return nil
}

// RunStatusCounts counts runs created since the given time by status.
func (s *PostgresStore) RunStatusCounts(ctx context.Context, since time.Time) (map[model.RunStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM runs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run status counts")
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run status count")
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: run status counts iterate")
}

// PurgeRun deletes a run and its tasks.
func (s *PostgresStore) PurgeRun(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: purge run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPGRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var sourcesJSON, progressJSON []byte
	var resultNull *[]byte

	err := row.Scan(&r.ID, &status, &r.DateFrom, &r.DateTo, &sourcesJSON, &r.TriggeredBy,
		&r.TotalTasks, &r.StartedAt, &r.CompletedAt, &r.DurationSeconds, &resultNull,
		&progressJSON, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := decodeRunJSON(&r, sourcesJSON, progressJSON, resultNull); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeRunJSON(r *model.Run, sourcesJSON, progressJSON []byte, resultJSON *[]byte) error {
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &r.Sources); err != nil {
			return eris.Wrap(err, "unmarshal sources")
		}
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &r.Progress); err != nil {
			return eris.Wrap(err, "unmarshal progress")
		}
	}
	if resultJSON != nil && len(*resultJSON) > 0 {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return eris.Wrap(err, "unmarshal result")
		}
	}
	return nil
}
