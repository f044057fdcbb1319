package store

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/db"
	"github.com/sells-group/ainews/internal/model"
)

// insertChunk bounds rows per INSERT so bind parameters stay under the
// protocol limit.
const insertChunk = 500

var itemInsert = db.UpsertConfig{
	Table: "items",
	Columns: []string{
		"dedup_hash", "run_id", "title", "url", "source_name", "source_type", "author",
		"published_at", "digest_date", "engagement_signal", "content", "ingested_at", "updated_at",
	},
	ConflictKeys: []string{"dedup_hash"},
	DoNothing:    true,
	Returning:    []string{"id"},
}

const pgItemColumns = `id, dedup_hash, title, url, source_name, source_type, author, published_at, digest_date,
	engagement_signal, content, is_enriched, enrich_retries, is_vectorized, enrichment, related_item_ids, ingested_at`

// ExistingHashes reports which of the given hashes are already stored.
func (s *PostgresStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(hashes) == 0 {
		return found, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT dedup_hash FROM items WHERE dedup_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing hashes")
	}
	hs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan existing hashes")
	}
	for _, h := range hs {
		found[h] = true
	}
	return found, nil
}

// InsertItems inserts items, ignoring hash conflicts, and returns the IDs of
// the rows actually created.
func (s *PostgresStore) InsertItems(ctx context.Context, runID int64, items []model.NewItem) ([]int64, error) {
	var ids []int64
	now := time.Now().UTC()
	for start := 0; start < len(items); start += insertChunk {
		chunk := items[start:min(start+insertChunk, len(items))]
		query, err := db.BuildUpsert(itemInsert, len(chunk), db.Dollar)
		if err != nil {
			return ids, eris.Wrap(err, "postgres: build item insert")
		}
		args := make([]any, 0, len(chunk)*len(itemInsert.Columns))
		for _, it := range chunk {
			args = append(args, it.DedupHash, nullRunID(runID), it.Title, it.URL, it.SourceName,
				string(it.SourceType), it.Author, it.PublishedAt, model.Day(it.DigestDate),
				it.EngagementSignal, it.Content, now, now)
		}
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return ids, eris.Wrap(err, "postgres: insert items")
		}
		got, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return ids, eris.Wrap(err, "postgres: scan inserted ids")
		}
		ids = append(ids, got...)
	}
	return ids, nil
}

// GetItems loads items by ID in ID order.
func (s *PostgresStore) GetItems(ctx context.Context, ids []int64) ([]model.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgItemColumns+` FROM items WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		var source string
		var enrichment, related *[]byte
		if err := rows.Scan(&it.ID, &it.DedupHash, &it.Title, &it.URL, &it.SourceName, &source,
			&it.Author, &it.PublishedAt, &it.DigestDate, &it.EngagementSignal, &it.Content,
			&it.IsEnriched, &it.EnrichRetries, &it.IsVectorized, &enrichment, &related, &it.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		it.SourceType = model.Source(source)
		if err := decodeItemJSON(&it, enrichment, related); err != nil {
			return nil, eris.Wrapf(err, "postgres: item %d", it.ID)
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: get items iterate")
}

// PendingItemIDs returns items of the digest date still awaiting enrichment.
func (s *PostgresStore) PendingItemIDs(ctx context.Context, date time.Time) ([]int64, error) {
	return s.queryIDs(ctx, "pending items",
		`SELECT id FROM items WHERE is_enriched = 0 AND digest_date = $1 ORDER BY id`, model.Day(date))
}

// SaveEnrichment writes the enrichment output and marks the item done.
func (s *PostgresStore) SaveEnrichment(ctx context.Context, id int64, e model.Enrichment) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE items SET enrichment = $2, category = $3, is_enriched = 1, updated_at = $4 WHERE id = $1`,
		id, payload, e.Category, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save enrichment %d", id)
}

// MarkEnrichFailed flags an item whose enrichment failed.
func (s *PostgresStore) MarkEnrichFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET is_enriched = -1, updated_at = $2 WHERE id = $1 AND is_enriched <> 1`,
		id, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: mark enrich failed %d", id)
}

// RecentEnriched returns enriched items with a digest date on or after since.
func (s *PostgresStore) RecentEnriched(ctx context.Context, since time.Time) ([]model.RelatedCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(category, ''), enrichment FROM items
		WHERE is_enriched = 1 AND digest_date >= $1 ORDER BY id`, model.Day(since))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent enriched")
	}
	defer rows.Close()

	var out []model.RelatedCandidate
	for rows.Next() {
		var c model.RelatedCandidate
		var payload []byte
		if err := rows.Scan(&c.ID, &c.Category, &payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan recent enriched")
		}
		c.Tags = tagsOf(payload)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent enriched iterate")
}

// SetRelated stores the related item IDs of an item.
func (s *PostgresStore) SetRelated(ctx context.Context, id int64, related []int64) error {
	payload, err := json.Marshal(related)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal related")
	}
	_, err = s.pool.Exec(ctx, `UPDATE items SET related_item_ids = $2 WHERE id = $1`, id, payload)
	return eris.Wrapf(err, "postgres: set related %d", id)
}

// RunItemCounts counts items saved by a run and how many of them are enriched.
func (s *PostgresStore) RunItemCounts(ctx context.Context, runID int64) (int, int, error) {
	var saved, enriched int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE is_enriched = 1) FROM items WHERE run_id = $1`, runID,
	).Scan(&saved, &enriched)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: run item counts %d", runID)
	}
	return saved, enriched, nil
}

// SaveVector stores an item embedding and marks the item vectorized.
func (s *PostgresStore) SaveVector(ctx context.Context, itemID int64, vec []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO item_vectors (item_id, embedding) VALUES ($1, $2)
		ON CONFLICT (item_id) DO UPDATE SET embedding = excluded.embedding`,
		itemID, vec,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save vector %d", itemID)
	}
	return s.MarkVectorized(ctx, itemID, model.StateDone)
}

// MarkVectorized sets the vectorization state of an item.
func (s *PostgresStore) MarkVectorized(ctx context.Context, itemID int64, state model.EnrichState) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET is_vectorized = $2, updated_at = $3 WHERE id = $1`,
		itemID, int(state), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: mark vectorized %d", itemID)
}

// RecentVectors returns embeddings of items with a digest date on or after since.
func (s *PostgresStore) RecentVectors(ctx context.Context, since time.Time) ([]VectorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT v.item_id, v.embedding FROM item_vectors v JOIN items i ON i.id = v.item_id
		WHERE i.digest_date >= $1 ORDER BY v.item_id`, model.Day(since))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent vectors")
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var r VectorRecord
		if err := rows.Scan(&r.ItemID, &r.Vector); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vector")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent vectors iterate")
}

// StalePendingEnrich returns pending items ingested before the cutoff.
func (s *PostgresStore) StalePendingEnrich(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "stale pending enrich",
		`SELECT id FROM items WHERE is_enriched = 0 AND ingested_at < $1 ORDER BY id LIMIT $2`, before, limit)
}

// StalePendingVectorize returns items awaiting vectorization ingested before the cutoff.
func (s *PostgresStore) StalePendingVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "stale pending vectorize",
		`SELECT id FROM items WHERE is_vectorized = 0 AND ingested_at < $1 ORDER BY id LIMIT $2`, before, limit)
}

// ResetFailedEnrich returns failed items under the retry cap to pending and
// increments their retry counter.
func (s *PostgresStore) ResetFailedEnrich(ctx context.Context, before time.Time, retryCap, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "reset failed enrich",
		`UPDATE items SET is_enriched = 0, enrich_retries = enrich_retries + 1, updated_at = $4
		WHERE id IN (
			SELECT id FROM items WHERE is_enriched = -1 AND enrich_retries < $1 AND ingested_at < $2
			ORDER BY id LIMIT $3
		) RETURNING id`,
		retryCap, before, limit, time.Now().UTC())
}

// ResetFailedVectorize returns every failed vectorization to pending.
func (s *PostgresStore) ResetFailedVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "reset failed vectorize",
		`UPDATE items SET is_vectorized = 0, updated_at = $3
		WHERE id IN (
			SELECT id FROM items WHERE is_vectorized = -1 AND ingested_at < $1 ORDER BY id LIMIT $2
		) RETURNING id`,
		before, limit, time.Now().UTC())
}

// ListDLQ returns failed items at or past the retry cap.
func (s *PostgresStore) ListDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQItem, error) {
	q := pgsq.Select("id", "title", "source_type", "digest_date", "enrich_retries", "ingested_at").
		From("items").
		Where(sq.Eq{"is_enriched": -1}).
		Where(sq.GtOrEq{"enrich_retries": filter.RetryCap}).
		OrderBy("id").
		Limit(listLimit(filter.Limit))
	if filter.Source != "" {
		q = q.Where(sq.Eq{"source_type": string(filter.Source)})
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list dlq")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var out []model.DLQItem
	for rows.Next() {
		var d model.DLQItem
		var source string
		if err := rows.Scan(&d.ID, &d.Title, &source, &d.DigestDate, &d.EnrichRetries, &d.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq item")
		}
		d.SourceType = model.Source(source)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

// CountDLQ counts failed items at or past the retry cap.
func (s *PostgresStore) CountDLQ(ctx context.Context, retryCap int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM items WHERE is_enriched = -1 AND enrich_retries >= $1`, retryCap,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

// RetryDLQ resets failed items to pending with a zero retry counter. With no
// IDs it resets every item at or past the cap.
func (s *PostgresStore) RetryDLQ(ctx context.Context, ids []int64, retryCap int) ([]int64, error) {
	now := time.Now().UTC()
	if len(ids) == 0 {
		return s.queryIDs(ctx, "retry dlq",
			`UPDATE items SET is_enriched = 0, enrich_retries = 0, updated_at = $2
			WHERE is_enriched = -1 AND enrich_retries >= $1 RETURNING id`, retryCap, now)
	}
	return s.queryIDs(ctx, "retry dlq",
		`UPDATE items SET is_enriched = 0, enrich_retries = 0, updated_at = $2
		WHERE id = ANY($1) AND is_enriched = -1 RETURNING id`, ids, now)
}

func (s *PostgresStore) queryIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan %s", op)
	}
	return ids, nil
}

func nullRunID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func decodeItemJSON(it *model.Item, enrichment, related *[]byte) error {
	if enrichment != nil && len(*enrichment) > 0 {
		it.Enrichment = &model.Enrichment{}
		if err := json.Unmarshal(*enrichment, it.Enrichment); err != nil {
			return eris.Wrap(err, "unmarshal enrichment")
		}
	}
	if related != nil && len(*related) > 0 {
		if err := json.Unmarshal(*related, &it.RelatedItemIDs); err != nil {
			return eris.Wrap(err, "unmarshal related ids")
		}
	}
	return nil
}

func tagsOf(enrichment []byte) []string {
	if len(enrichment) == 0 {
		return nil
	}
	var e struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(enrichment, &e); err != nil {
		return nil
	}
	return e.Tags
}
