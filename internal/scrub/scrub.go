// Package scrub republishes items whose enrichment or vectorization was lost
// and manages the dead-letter set of items past the retry cap.
package scrub

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/store"
)

// Store is the item state access used by a Scrubber.
type Store interface {
	StalePendingEnrich(ctx context.Context, before time.Time, limit int) ([]int64, error)
	StalePendingVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error)
	ResetFailedEnrich(ctx context.Context, before time.Time, retryCap, limit int) ([]int64, error)
	ResetFailedVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error)
	ListDLQ(ctx context.Context, filter store.DLQFilter) ([]model.DLQItem, error)
	CountDLQ(ctx context.Context, retryCap int) (int, error)
	RetryDLQ(ctx context.Context, ids []int64, retryCap int) ([]int64, error)
}

// Publisher resubmits items for processing.
type Publisher interface {
	PublishEnrich(ctx context.Context, msg model.SavedItems) error
	PublishVectorize(ctx context.Context, msg model.SavedItems) error
}

// Options configures a Scrubber.
type Options struct {
	// Grace is how old a pending item must be before its event is presumed lost.
	Grace time.Duration
	// RetryCap is the number of automatic enrichment retries before an item
	// is left for the dead-letter queue.
	RetryCap int
	// BatchSize bounds the items taken per category per pass.
	BatchSize int
	// ChunkSize bounds the item IDs per republished message.
	ChunkSize int
	Metrics   *monitoring.Metrics
}

// Report summarises one scrub pass.
type Report struct {
	EnrichPending    int `json:"enrich_pending"`
	EnrichRetried    int `json:"enrich_retried"`
	VectorizePending int `json:"vectorize_pending"`
	VectorizeRetried int `json:"vectorize_retried"`
	PublishFailures  int `json:"publish_failures"`
	DLQDepth         int `json:"dlq_depth"`
}

// Scrubber finds orphaned items and republishes them.
type Scrubber struct {
	store Store
	pub   Publisher
	opts  Options
	now   func() time.Time
}

// New creates a Scrubber.
func New(st Store, pub Publisher, opts Options) *Scrubber {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Minute
	}
	if opts.RetryCap < 0 {
		opts.RetryCap = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50
	}
	opts.Metrics = monitoring.OrNoop(opts.Metrics)
	return &Scrubber{store: st, pub: pub, opts: opts, now: time.Now}
}

// RetryCap is the configured automatic retry cap.
func (s *Scrubber) RetryCap() int {
	return s.opts.RetryCap
}

// Scrub makes one pass. Stale pending items are republished before failed
// items are reset, so a reset item is published once. Items at or past the
// retry cap are never touched.
func (s *Scrubber) Scrub(ctx context.Context) (*Report, error) {
	start := s.now()
	defer func() {
		s.opts.Metrics.LoopDuration.WithLabelValues("scrub").Observe(time.Since(start).Seconds())
	}()
	before := start.Add(-s.opts.Grace)
	rep := &Report{}

	ids, err := s.store.StalePendingEnrich(ctx, before, s.opts.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "scrub: stale pending enrich")
	}
	rep.EnrichPending = len(ids)
	rep.PublishFailures += s.republish(ctx, "enrich_pending", s.pub.PublishEnrich, ids)

	ids, err = s.store.ResetFailedEnrich(ctx, before, s.opts.RetryCap, s.opts.BatchSize)
	if err != nil {
		return rep, eris.Wrap(err, "scrub: reset failed enrich")
	}
	rep.EnrichRetried = len(ids)
	rep.PublishFailures += s.republish(ctx, "enrich_retry", s.pub.PublishEnrich, ids)

	ids, err = s.store.StalePendingVectorize(ctx, before, s.opts.BatchSize)
	if err != nil {
		return rep, eris.Wrap(err, "scrub: stale pending vectorize")
	}
	rep.VectorizePending = len(ids)
	rep.PublishFailures += s.republish(ctx, "vectorize_pending", s.pub.PublishVectorize, ids)

	ids, err = s.store.ResetFailedVectorize(ctx, before, s.opts.BatchSize)
	if err != nil {
		return rep, eris.Wrap(err, "scrub: reset failed vectorize")
	}
	rep.VectorizeRetried = len(ids)
	rep.PublishFailures += s.republish(ctx, "vectorize_retry", s.pub.PublishVectorize, ids)

	depth, err := s.store.CountDLQ(ctx, s.opts.RetryCap)
	if err != nil {
		return rep, eris.Wrap(err, "scrub: count dlq")
	}
	rep.DLQDepth = depth
	s.opts.Metrics.DLQDepth.Set(float64(depth))

	zap.L().Info("scrub: pass complete",
		zap.Int("enrich_pending", rep.EnrichPending),
		zap.Int("enrich_retried", rep.EnrichRetried),
		zap.Int("vectorize_pending", rep.VectorizePending),
		zap.Int("vectorize_retried", rep.VectorizeRetried),
		zap.Int("publish_failures", rep.PublishFailures),
		zap.Int("dlq_depth", rep.DLQDepth),
	)
	return rep, nil
}

// republish sends ids in chunks and returns the number of chunks that could
// not be published. Their items stay pending for the next pass.
func (s *Scrubber) republish(ctx context.Context, kind string, publish func(context.Context, model.SavedItems) error, ids []int64) int {
	failures := 0
	for chunk := range slices.Chunk(ids, s.opts.ChunkSize) {
		if err := publish(ctx, model.SavedItems{ItemIDs: chunk}); err != nil {
			failures++
			zap.L().Warn("scrub: republish failed", zap.String("kind", kind), zap.Int("items", len(chunk)), zap.Error(err))
			continue
		}
		s.opts.Metrics.ScrubRepublished.WithLabelValues(kind).Add(float64(len(chunk)))
	}
	return failures
}

// DLQ lists items past the retry cap.
func (s *Scrubber) DLQ(ctx context.Context, src model.Source, limit, offset int) ([]model.DLQItem, error) {
	items, err := s.store.ListDLQ(ctx, store.DLQFilter{RetryCap: s.opts.RetryCap, Source: src, Limit: limit, Offset: offset})
	if err != nil {
		return nil, eris.Wrap(err, "scrub: list dlq")
	}
	return items, nil
}

// RetryDLQ resets the given failed items, or every dead-lettered item when
// ids is empty, to pending with a zero retry counter and republishes them.
// It returns the IDs that were reset.
func (s *Scrubber) RetryDLQ(ctx context.Context, ids []int64) ([]int64, error) {
	reset, err := s.store.RetryDLQ(ctx, ids, s.opts.RetryCap)
	if err != nil {
		return nil, eris.Wrap(err, "scrub: retry dlq")
	}
	if failed := s.republish(ctx, "dlq_retry", s.pub.PublishEnrich, reset); failed > 0 {
		zap.L().Warn("scrub: some dlq items were reset but not republished", zap.Int("chunks", failed))
	}
	zap.L().Info("scrub: dlq retry", zap.Int("requested", len(ids)), zap.Int("reset", len(reset)))
	return reset, nil
}

// Loop scrubs every interval until ctx is cancelled.
func (s *Scrubber) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	log := zap.L().With(zap.String("component", "scrub"))
	log.Info("starting orphan scrubber", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("orphan scrubber stopped")
			return
		case <-ticker.C:
			if _, err := s.Scrub(ctx); err != nil && ctx.Err() == nil {
				log.Error("scrub: pass failed", zap.Error(err))
			}
		}
	}
}
