// Package vectorize embeds saved items for the semantic dedup index.
package vectorize

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
)

// Store is the item persistence used by a Vectorizer.
type Store interface {
	GetItems(ctx context.Context, ids []int64) ([]model.Item, error)
	SaveVector(ctx context.Context, itemID int64, vec []float32) error
	MarkVectorized(ctx context.Context, itemID int64, state model.EnrichState) error
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Vectorizer embeds items and records their vectorization state. Items that
// cannot be embedded are marked failed; the scrubber resets them.
type Vectorizer struct {
	store       Store
	embedder    Embedder
	callTimeout time.Duration
	validate    *validator.Validate
}

// New creates a Vectorizer. embedder may be nil, in which case every item is
// marked failed.
func New(st Store, embedder Embedder, callTimeout time.Duration) *Vectorizer {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Vectorizer{store: st, embedder: embedder, callTimeout: callTimeout, validate: validator.New()}
}

// Vectorize embeds the given items, skipping those already vectorized, and
// returns how many were stored. Only store failures are returned.
func (v *Vectorizer) Vectorize(ctx context.Context, ids []int64) (int, error) {
	items, err := v.store.GetItems(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "vectorize: load items")
	}

	done := 0
	for _, it := range items {
		if it.IsVectorized == model.StateDone {
			continue
		}
		if ctx.Err() != nil {
			return done, eris.Wrap(ctx.Err(), "vectorize: cancelled")
		}

		vec, err := v.embed(ctx, it)
		if err != nil {
			zap.L().Warn("vectorize: embed failed", zap.Int64("item_id", it.ID), zap.Error(err))
			if merr := v.store.MarkVectorized(ctx, it.ID, model.StateFailed); merr != nil {
				return done, eris.Wrapf(merr, "vectorize: mark failed %d", it.ID)
			}
			continue
		}
		if err := v.store.SaveVector(ctx, it.ID, vec); err != nil {
			return done, eris.Wrapf(err, "vectorize: save %d", it.ID)
		}
		done++
	}
	return done, nil
}

func (v *Vectorizer) embed(ctx context.Context, it model.Item) ([]float32, error) {
	if v.embedder == nil {
		return nil, eris.New("vectorize: no embedder configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.callTimeout)
	defer cancel()
	return v.embedder.Embed(ctx, Text(it))
}

// Text is the embedded representation of an item: its title, followed by
// the summary once enriched.
func Text(it model.Item) string {
	title := strings.TrimSpace(it.Title)
	if it.Enrichment == nil || strings.TrimSpace(it.Enrichment.Summary) == "" {
		return title
	}
	return title + "\n\n" + strings.TrimSpace(it.Enrichment.Summary)
}

// HandleDelivery decodes a model.SavedItems payload and vectorizes its
// items. Malformed payloads are dropped.
func (v *Vectorizer) HandleDelivery(ctx context.Context, payload []byte) error {
	var msg model.SavedItems
	if err := json.Unmarshal(payload, &msg); err != nil {
		zap.L().Warn("vectorize: dropping malformed delivery", zap.Error(err))
		return nil
	}
	if err := v.validate.Struct(msg); err != nil {
		zap.L().Warn("vectorize: dropping invalid delivery", zap.Error(err))
		return nil
	}
	n, err := v.Vectorize(ctx, msg.ItemIDs)
	if err != nil {
		return err
	}
	zap.L().Info("vectorize: delivery processed",
		zap.Int64("run_id", msg.RunID),
		zap.Int("items", len(msg.ItemIDs)),
		zap.Int("vectorized", n),
	)
	return nil
}
