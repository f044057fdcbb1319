package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/db"
	"github.com/sells-group/ainews/internal/model"
)

const sqliteItemColumns = `id, dedup_hash, title, url, source_name, source_type, author, published_at, digest_date,
	engagement_signal, content, is_enriched, enrich_retries, is_vectorized, enrichment, related_item_ids, ingested_at`

// ExistingHashes reports which of the given hashes are already stored.
func (s *SQLiteStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(hashes) == 0 {
		return found, nil
	}
	query, args, err := sq.Select("dedup_hash").From("items").Where(sq.Eq{"dedup_hash": hashes}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build existing hashes")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing hashes")
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hash")
		}
		found[h] = true
	}
	return found, eris.Wrap(rows.Err(), "sqlite: existing hashes iterate")
}

// InsertItems inserts items, ignoring hash conflicts, and returns the IDs of
// the rows actually created.
func (s *SQLiteStore) InsertItems(ctx context.Context, runID int64, items []model.NewItem) ([]int64, error) {
	var ids []int64
	now := fmtTS(time.Now())
	for start := 0; start < len(items); start += insertChunk {
		chunk := items[start:min(start+insertChunk, len(items))]
		query, err := db.BuildUpsert(itemInsert, len(chunk), db.Question)
		if err != nil {
			return ids, eris.Wrap(err, "sqlite: build item insert")
		}
		args := make([]any, 0, len(chunk)*len(itemInsert.Columns))
		for _, it := range chunk {
			args = append(args, it.DedupHash, sql.NullInt64{Int64: runID, Valid: runID > 0}, it.Title, it.URL, it.SourceName,
				string(it.SourceType), it.Author, fmtNullTS(it.PublishedAt), fmtDate(it.DigestDate),
				it.EngagementSignal, it.Content, now, now)
		}
		got, err := s.queryIDs(ctx, "insert items", query, args...)
		if err != nil {
			return ids, err
		}
		ids = append(ids, got...)
	}
	return ids, nil
}

// GetItems loads items by ID in ID order.
func (s *SQLiteStore) GetItems(ctx context.Context, ids []int64) ([]model.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sq.Select(sqliteItemColumns).From("items").Where(sq.Eq{"id": ids}).OrderBy("id").ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get items")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		var source, digestDate, ingestedAt string
		var publishedAt, enrichment, related sql.NullString
		if err := rows.Scan(&it.ID, &it.DedupHash, &it.Title, &it.URL, &it.SourceName, &source,
			&it.Author, &publishedAt, &digestDate, &it.EngagementSignal, &it.Content,
			&it.IsEnriched, &it.EnrichRetries, &it.IsVectorized, &enrichment, &related, &ingestedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		it.SourceType = model.Source(source)
		it.PublishedAt = parseNullTS(publishedAt)
		it.DigestDate = parseDate(digestDate)
		it.IngestedAt = parseTS(ingestedAt)
		if err := decodeItemJSON(&it, nullBytes(enrichment), nullBytes(related)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: item %d", it.ID)
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: get items iterate")
}

// PendingItemIDs returns items of the digest date still awaiting enrichment.
func (s *SQLiteStore) PendingItemIDs(ctx context.Context, date time.Time) ([]int64, error) {
	return s.queryIDs(ctx, "pending items",
		`SELECT id FROM items WHERE is_enriched = 0 AND digest_date = ? ORDER BY id`, fmtDate(date))
}

// SaveEnrichment writes the enrichment output and marks the item done.
func (s *SQLiteStore) SaveEnrichment(ctx context.Context, id int64, e model.Enrichment) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE items SET enrichment = ?, category = ?, is_enriched = 1, updated_at = ? WHERE id = ?`,
		string(payload), e.Category, fmtTS(time.Now()), id,
	)
	return eris.Wrapf(err, "sqlite: save enrichment %d", id)
}

// MarkEnrichFailed flags an item whose enrichment failed.
func (s *SQLiteStore) MarkEnrichFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET is_enriched = -1, updated_at = ? WHERE id = ? AND is_enriched <> 1`,
		fmtTS(time.Now()), id,
	)
	return eris.Wrapf(err, "sqlite: mark enrich failed %d", id)
}

// RecentEnriched returns enriched items with a digest date on or after since.
func (s *SQLiteStore) RecentEnriched(ctx context.Context, since time.Time) ([]model.RelatedCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(category, ''), COALESCE(enrichment, '') FROM items
		WHERE is_enriched = 1 AND digest_date >= ? ORDER BY id`, fmtDate(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent enriched")
	}
	defer rows.Close()

	var out []model.RelatedCandidate
	for rows.Next() {
		var c model.RelatedCandidate
		var payload string
		if err := rows.Scan(&c.ID, &c.Category, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recent enriched")
		}
		c.Tags = tagsOf([]byte(payload))
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent enriched iterate")
}

// SetRelated stores the related item IDs of an item.
func (s *SQLiteStore) SetRelated(ctx context.Context, id int64, related []int64) error {
	payload, err := json.Marshal(related)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal related")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE items SET related_item_ids = ? WHERE id = ?`, string(payload), id)
	return eris.Wrapf(err, "sqlite: set related %d", id)
}

// RunItemCounts counts items saved by a run and how many of them are enriched.
func (s *SQLiteStore) RunItemCounts(ctx context.Context, runID int64) (int, int, error) {
	var saved, enriched int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(SUM(CASE WHEN is_enriched = 1 THEN 1 ELSE 0 END), 0)
		FROM items WHERE run_id = ?`, runID,
	).Scan(&saved, &enriched)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: run item counts %d", runID)
	}
	return saved, enriched, nil
}

// SaveVector stores an item embedding and marks the item vectorized.
func (s *SQLiteStore) SaveVector(ctx context.Context, itemID int64, vec []float32) error {
	payload, err := json.Marshal(vec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal vector")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO item_vectors (item_id, embedding, created_at) VALUES (?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET embedding = excluded.embedding`,
		itemID, string(payload), fmtTS(time.Now()),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save vector %d", itemID)
	}
	return s.MarkVectorized(ctx, itemID, model.StateDone)
}

// MarkVectorized sets the vectorization state of an item.
func (s *SQLiteStore) MarkVectorized(ctx context.Context, itemID int64, state model.EnrichState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET is_vectorized = ?, updated_at = ? WHERE id = ?`,
		int(state), fmtTS(time.Now()), itemID,
	)
	return eris.Wrapf(err, "sqlite: mark vectorized %d", itemID)
}

// RecentVectors returns embeddings of items with a digest date on or after since.
func (s *SQLiteStore) RecentVectors(ctx context.Context, since time.Time) ([]VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.item_id, v.embedding FROM item_vectors v JOIN items i ON i.id = v.item_id
		WHERE i.digest_date >= ? ORDER BY v.item_id`, fmtDate(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent vectors")
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var r VectorRecord
		var payload string
		if err := rows.Scan(&r.ItemID, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vector")
		}
		if err := json.Unmarshal([]byte(payload), &r.Vector); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode vector %d", r.ItemID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent vectors iterate")
}

// StalePendingEnrich returns pending items ingested before the cutoff.
func (s *SQLiteStore) StalePendingEnrich(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "stale pending enrich",
		`SELECT id FROM items WHERE is_enriched = 0 AND ingested_at < ? ORDER BY id LIMIT ?`, fmtTS(before), limit)
}

// StalePendingVectorize returns items awaiting vectorization ingested before the cutoff.
func (s *SQLiteStore) StalePendingVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "stale pending vectorize",
		`SELECT id FROM items WHERE is_vectorized = 0 AND ingested_at < ? ORDER BY id LIMIT ?`, fmtTS(before), limit)
}

// ResetFailedEnrich returns failed items under the retry cap to pending and
// increments their retry counter.
func (s *SQLiteStore) ResetFailedEnrich(ctx context.Context, before time.Time, retryCap, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "reset failed enrich",
		`UPDATE items SET is_enriched = 0, enrich_retries = enrich_retries + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM items WHERE is_enriched = -1 AND enrich_retries < ? AND ingested_at < ?
			ORDER BY id LIMIT ?
		) RETURNING id`,
		fmtTS(time.Now()), retryCap, fmtTS(before), limit)
}

// ResetFailedVectorize returns every failed vectorization to pending.
func (s *SQLiteStore) ResetFailedVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return s.queryIDs(ctx, "reset failed vectorize",
		`UPDATE items SET is_vectorized = 0, updated_at = ?
		WHERE id IN (
			SELECT id FROM items WHERE is_vectorized = -1 AND ingested_at < ? ORDER BY id LIMIT ?
		) RETURNING id`,
		fmtTS(time.Now()), fmtTS(before), limit)
}

// ListDLQ returns failed items at or past the retry cap.
func (s *SQLiteStore) ListDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQItem, error) {
	q := sq.Select("id", "title", "source_type", "digest_date", "enrich_retries", "ingested_at").
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
		return nil, eris.Wrap(err, "sqlite: build list dlq")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var out []model.DLQItem
	for rows.Next() {
		var d model.DLQItem
		var source, digestDate, ingestedAt string
		if err := rows.Scan(&d.ID, &d.Title, &source, &digestDate, &d.EnrichRetries, &ingestedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq item")
		}
		d.SourceType = model.Source(source)
		d.DigestDate = parseDate(digestDate)
		d.IngestedAt = parseTS(ingestedAt)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

// CountDLQ counts failed items at or past the retry cap.
func (s *SQLiteStore) CountDLQ(ctx context.Context, retryCap int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM items WHERE is_enriched = -1 AND enrich_retries >= ?`, retryCap,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// RetryDLQ resets failed items to pending with a zero retry counter. With no
// IDs it resets every item at or past the cap.
func (s *SQLiteStore) RetryDLQ(ctx context.Context, ids []int64, retryCap int) ([]int64, error) {
	q := sq.Update("items").
		Set("is_enriched", 0).
		Set("enrich_retries", 0).
		Set("updated_at", fmtTS(time.Now())).
		Where(sq.Eq{"is_enriched": -1}).
		Suffix("RETURNING id")
	if len(ids) == 0 {
		q = q.Where(sq.GtOrEq{"enrich_retries": retryCap})
	} else {
		q = q.Where(sq.Eq{"id": ids})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build retry dlq")
	}
	return s.queryIDs(ctx, "retry dlq", query, args...)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func nullBytes(s sql.NullString) *[]byte {
	if !s.Valid {
		return nil
	}
	b := []byte(s.String)
	return &b
}
