package enrich

import (
	"cmp"
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
)

// categoryBonus is added to the tag similarity of items sharing a category.
const categoryBonus = 0.3

type scored struct {
	id    int64
	score float64
}

// relatedFor ranks candidates against target by Jaccard tag similarity plus
// the category bonus and returns the IDs of the top k with a positive score.
func relatedFor(target model.RelatedCandidate, candidates []model.RelatedCandidate, k int) []int64 {
	tags := make(map[string]bool, len(target.Tags))
	for _, t := range target.Tags {
		tags[t] = true
	}

	var ranked []scored
	for _, c := range candidates {
		if c.ID == target.ID {
			continue
		}
		s := jaccard(tags, c.Tags)
		if c.Category != "" && c.Category == target.Category {
			s += categoryBonus
		}
		if s > 0 {
			ranked = append(ranked, scored{id: c.ID, score: s})
		}
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]int64, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}

func jaccard(a map[string]bool, b []string) float64 {
	union := len(a)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if a[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// computeRelated stores related items for each enriched ID. Failures are
// logged; related items are a best-effort decoration.
func (p *Pool) computeRelated(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	since := model.Day(p.now()).Add(-p.opts.RelatedWindow)
	recent, err := p.store.RecentEnriched(ctx, since)
	if err != nil {
		zap.L().Warn("enrich: load related candidates", zap.Error(err))
		return
	}

	byID := make(map[int64]model.RelatedCandidate, len(recent))
	for _, c := range recent {
		byID[c.ID] = c
	}
	for _, id := range ids {
		target, ok := byID[id]
		if !ok || len(target.Tags) == 0 {
			continue
		}
		related := relatedFor(target, recent, p.opts.RelatedTopK)
		if err := p.store.SetRelated(ctx, id, related); err != nil {
			zap.L().Warn("enrich: set related", zap.Int64("item_id", id), zap.Error(err))
		}
	}
}

// defaultRelatedWindow is how far back related candidates are drawn from.
const defaultRelatedWindow = 30 * 24 * time.Hour
