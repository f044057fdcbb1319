// Package dedup removes articles that were already stored or that repeat a
// story already present in the batch.
package dedup

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/store"
)

// Mode selects the semantic dedup stage.
type Mode string

const (
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
	ModeOff     Mode = "off"
)

// DefaultThreshold is the similarity at or above which two titles are the same story.
const DefaultThreshold = 0.85

// ErrUnavailable marks an embedding or index backend that cannot serve.
var ErrUnavailable = eris.New("dedup: semantic backend unavailable")

// HashStore answers which content hashes are already persisted.
type HashStore interface {
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Neighbor is a stored item near a query vector.
type Neighbor struct {
	ItemID   int64
	Distance float64
}

// VectorIndex finds stored items close to a vector. Distance is 1 - cosine.
type VectorIndex interface {
	Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
}

// Options configures an Engine.
type Options struct {
	Mode      Mode
	Threshold float64
	Neighbors int
	Embedder  Embedder
	Index     VectorIndex
	Metrics   *monitoring.Metrics
}

// Result is the outcome of filtering one batch.
type Result struct {
	Items           []model.NewItem
	ExactDropped    int
	SemanticDropped int
}

// Engine runs exact then semantic dedup over fetched batches.
type Engine struct {
	hashes HashStore
	opts   Options
}

// NewEngine creates an Engine. Vector mode without an embedder or index falls
// back to lexical.
func NewEngine(hashes HashStore, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeLexical
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Neighbors <= 0 {
		opts.Neighbors = 5
	}
	if opts.Mode == ModeVector && (opts.Embedder == nil || opts.Index == nil) {
		zap.L().Warn("dedup: vector mode without embedder or index, using lexical")
		opts.Mode = ModeLexical
	}
	opts.Metrics = monitoring.OrNoop(opts.Metrics)
	return &Engine{hashes: hashes, opts: opts}
}

// Mode reports the effective semantic mode.
func (e *Engine) Mode() Mode {
	return e.opts.Mode
}

// Filter drops items already stored or repeated within the batch, then items
// semantically near an earlier kept item. Order is preserved and the earliest
// item of any duplicate group is kept.
func (e *Engine) Filter(ctx context.Context, raw []model.RawItem) (*Result, error) {
	res := &Result{}
	if len(raw) == 0 {
		return res, nil
	}

	candidates := make([]model.NewItem, 0, len(raw))
	hashes := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.URL) == "" {
			res.ExactDropped++
			continue
		}
		h := Hash(r.URL)
		if seen[h] {
			res.ExactDropped++
			continue
		}
		seen[h] = true
		candidates = append(candidates, model.NewItem{RawItem: r, DedupHash: h})
		hashes = append(hashes, h)
	}

	existing, err := e.hashes.ExistingHashes(ctx, hashes)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: existing hashes")
	}
	fresh := candidates[:0]
	for _, c := range candidates {
		if existing[c.DedupHash] {
			res.ExactDropped++
			continue
		}
		fresh = append(fresh, c)
	}

	var keep []bool
	switch e.opts.Mode {
	case ModeLexical:
		titles := make([]string, len(fresh))
		for i, c := range fresh {
			titles[i] = c.Title
		}
		keep = lexicalKeep(titles, e.opts.Threshold)
	case ModeVector:
		keep, err = e.vectorKeep(ctx, fresh)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zap.L().Warn("dedup: semantic stage skipped", zap.Error(err))
			keep = nil
		}
	}

	for i, c := range fresh {
		if keep != nil && !keep[i] {
			res.SemanticDropped++
			continue
		}
		res.Items = append(res.Items, c)
	}

	e.opts.Metrics.DedupDropped.WithLabelValues("exact").Add(float64(res.ExactDropped))
	e.opts.Metrics.DedupDropped.WithLabelValues("semantic").Add(float64(res.SemanticDropped))
	return res, nil
}

// vectorKeep embeds each title and drops it when it is near a stored neighbor
// or an earlier kept item of the batch. Any backend error aborts the stage.
func (e *Engine) vectorKeep(ctx context.Context, items []model.NewItem) ([]bool, error) {
	keep := make([]bool, len(items))
	var kept [][]float32
	for i, it := range items {
		vec, err := e.opts.Embedder.Embed(ctx, it.Title)
		if err != nil {
			return nil, eris.Wrapf(err, "dedup: embed item %d", i)
		}
		neighbors, err := e.opts.Index.Nearest(ctx, vec, e.opts.Neighbors)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: nearest neighbors")
		}

		dup := false
		for _, n := range neighbors {
			if 1-n.Distance >= e.opts.Threshold {
				dup = true
				break
			}
		}
		if !dup {
			for _, k := range kept {
				if cosine(vec, k) >= e.opts.Threshold {
					dup = true
					break
				}
			}
		}
		if !dup {
			keep[i] = true
			kept = append(kept, vec)
		}
	}
	return keep, nil
}

// VectorSource lists recently stored embeddings.
type VectorSource interface {
	RecentVectors(ctx context.Context, since time.Time) ([]store.VectorRecord, error)
}

// StoreIndex is a VectorIndex scanning the stored embeddings of a trailing
// window.
type StoreIndex struct {
	src    VectorSource
	window time.Duration
	now    func() time.Time
}

// NewStoreIndex creates a StoreIndex over the given window.
func NewStoreIndex(src VectorSource, window time.Duration) *StoreIndex {
	return &StoreIndex{src: src, window: window, now: time.Now}
}

// Nearest returns up to k stored items ordered by ascending distance.
func (s *StoreIndex) Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	recs, err := s.src.RecentVectors(ctx, s.now().Add(-s.window))
	if err != nil {
		return nil, eris.Wrapf(ErrUnavailable, "recent vectors: %v", err)
	}
	out := make([]Neighbor, 0, len(recs))
	for _, r := range recs {
		out = append(out, Neighbor{ItemID: r.ItemID, Distance: 1 - cosine(vec, r.Vector)})
	}
	slices.SortStableFunc(out, func(a, b Neighbor) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
