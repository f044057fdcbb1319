package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/resilience"
)

var (
	// ErrNoProvider is returned when neither the primary nor the secondary
	// provider passes its probe.
	ErrNoProvider = eris.New("enrich: no usable provider")
	// ErrBatchAborted is returned when a fatal provider error stopped the batch.
	ErrBatchAborted = eris.New("enrich: batch aborted")

	// errLeftPending marks an item whose call was cut short by cancellation
	// or an open breaker. The item keeps its pending state.
	errLeftPending = eris.New("enrich: item left pending")
)

// Store is the item persistence used by a Pool.
type Store interface {
	GetItems(ctx context.Context, ids []int64) ([]model.Item, error)
	PendingItemIDs(ctx context.Context, date time.Time) ([]int64, error)
	SaveEnrichment(ctx context.Context, id int64, e model.Enrichment) error
	MarkEnrichFailed(ctx context.Context, id int64) error
	RecentEnriched(ctx context.Context, since time.Time) ([]model.RelatedCandidate, error)
	SetRelated(ctx context.Context, id int64, related []int64) error
}

// Options configures a Pool.
type Options struct {
	Retry           resilience.RetryConfig
	CallTimeout     time.Duration
	ContentMaxChars int
	RelatedWindow   time.Duration
	RelatedTopK     int
	Breakers        *resilience.Breakers
	Metrics         *monitoring.Metrics
}

// Request names the items to enrich. When Date is set, items of that digest
// date still pending from an earlier attempt are folded in.
type Request struct {
	ItemIDs []int64
	RunID   int64
	Date    time.Time

	// Progress is called after each successful item with the running count.
	Progress func(enriched, total int)
}

// Outcome summarises one Enrich call. Items left pending (skipped after an
// abort, or the item that hit the fatal error) are counted in Skipped.
type Outcome struct {
	Requested   int     `json:"requested"`
	Enriched    int     `json:"enriched"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Aborted     bool    `json:"aborted"`
	Provider    string  `json:"provider,omitempty"`
	EnrichedIDs []int64 `json:"-"`
}

// Pool enriches batches of items through a shared Gate.
type Pool struct {
	store     Store
	gate      *Gate
	primary   Provider
	secondary Provider
	opts      Options
	now       func() time.Time
}

// NewPool creates a Pool. secondary may be nil.
func NewPool(st Store, gate *Gate, primary, secondary Provider, opts Options) *Pool {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.ProviderRetryConfig()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 90 * time.Second
	}
	if opts.RelatedWindow <= 0 {
		opts.RelatedWindow = defaultRelatedWindow
	}
	if opts.RelatedTopK <= 0 {
		opts.RelatedTopK = 3
	}
	opts.Metrics = monitoring.OrNoop(opts.Metrics)
	if opts.Breakers == nil {
		opts.Breakers = NewProviderBreakers(resilience.DefaultCircuitBreakerConfig(), opts.Metrics)
	}
	return &Pool{store: st, gate: gate, primary: primary, secondary: secondary, opts: opts, now: time.Now}
}

// NewProviderBreakers creates the per-provider breaker registry. Only quota
// and transient failures count toward opening a breaker.
func NewProviderBreakers(cfg resilience.CircuitBreakerConfig, m *monitoring.Metrics) *resilience.Breakers {
	m = monitoring.OrNoop(m)
	cfg.ShouldTrip = resilience.IsRetryable
	return resilience.NewBreakers(cfg, func(name string, from, to resilience.CircuitState) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
		zap.L().Warn("enrich: provider breaker state change",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
}

// Enrich annotates the requested items. Items are admitted one at a time
// through the Gate; once a fatal classification is seen no further item is
// admitted and in-flight calls are left to finish.
func (p *Pool) Enrich(ctx context.Context, req Request) (Outcome, error) {
	log := zap.L().With(zap.Int64("run_id", req.RunID))

	ids := uniqueIDs(req.ItemIDs, nil)
	if !req.Date.IsZero() {
		pending, err := p.store.PendingItemIDs(ctx, req.Date)
		if err != nil {
			return Outcome{}, eris.Wrap(err, "enrich: pending items")
		}
		extra := uniqueIDs(pending, ids)
		if len(extra) > 0 {
			log.Info("enrich: re-enriching pending items",
				zap.String("date", req.Date.Format(model.DateLayout)),
				zap.Int("pending", len(extra)),
			)
		}
		ids = append(ids, extra...)
	}

	out := Outcome{Requested: len(ids)}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := p.store.GetItems(ctx, ids)
	if err != nil {
		return out, eris.Wrap(err, "enrich: load items")
	}
	todo := items[:0]
	for _, it := range items {
		if it.IsEnriched != model.StateDone {
			todo = append(todo, it)
		}
	}
	if len(todo) == 0 {
		return out, nil
	}

	provider, err := p.selectProvider(ctx)
	if err != nil {
		out.Skipped = len(todo)
		log.Error("enrich: no provider available", zap.Int("items", len(todo)), zap.Error(err))
		return out, err
	}
	out.Provider = provider.Name()

	var (
		aborted  atomic.Bool
		enriched atomic.Int64
		failed   atomic.Int64
		fatal    atomic.Int64
		deferred atomic.Int64
		mu       sync.Mutex
		done     []int64
		wg       sync.WaitGroup
	)
	total := len(todo)

	for i, it := range todo {
		if aborted.Load() || ctx.Err() != nil {
			out.Skipped += total - i
			break
		}
		release, err := p.gate.Acquire(ctx)
		if err != nil {
			out.Skipped += total - i
			break
		}
		if aborted.Load() {
			release()
			out.Skipped += total - i
			break
		}

		wg.Add(1)
		go func(it model.Item) {
			defer wg.Done()
			defer release()

			err := p.enrichOne(ctx, provider, it)
			switch {
			case err == nil:
				n := enriched.Add(1)
				mu.Lock()
				done = append(done, it.ID)
				mu.Unlock()
				if req.Progress != nil {
					req.Progress(int(n), total)
				}
			case errors.Is(err, errLeftPending):
				deferred.Add(1)
				log.Debug("enrich: item left pending", zap.Int64("item_id", it.ID), zap.Error(err))
			case resilience.KindOf(err).Fatal():
				fatal.Add(1)
				if aborted.CompareAndSwap(false, true) {
					log.Error("enrich: fatal provider error, aborting batch",
						zap.String("provider", provider.Name()),
						zap.Int64("item_id", it.ID),
						zap.Error(err),
					)
				}
			default:
				failed.Add(1)
				log.Warn("enrich: item failed",
					zap.Int64("item_id", it.ID),
					zap.String("kind", resilience.ClassifyError(err)),
					zap.Error(err),
				)
			}
		}(it)
	}
	wg.Wait()

	out.Enriched = int(enriched.Load())
	out.Failed = int(failed.Load())
	out.Skipped += int(fatal.Load() + deferred.Load())
	out.Aborted = aborted.Load()
	out.EnrichedIDs = done

	p.computeRelated(context.WithoutCancel(ctx), done)

	log.Info("enrich: batch complete",
		zap.String("provider", out.Provider),
		zap.Int("requested", out.Requested),
		zap.Int("enriched", out.Enriched),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped),
		zap.Bool("aborted", out.Aborted),
	)

	switch {
	case out.Aborted:
		return out, ErrBatchAborted
	case ctx.Err() != nil:
		return out, eris.Wrap(ctx.Err(), "enrich: cancelled")
	}
	return out, nil
}

// enrichOne calls the provider for one item and records the outcome. Fatal
// errors leave the item pending so a later batch can pick it up, as do
// calls rejected by an open breaker or retries stopped by cancellation.
func (p *Pool) enrichOne(ctx context.Context, prov Provider, it model.Item) error {
	breaker := p.opts.Breakers.Get(prov.Name())
	prompt := buildPrompt(it, p.opts.ContentMaxChars)
	// An admitted call runs to completion and its result is written even if
	// the batch is cancelled. Cancellation only stops further attempts.
	detached := context.WithoutCancel(ctx)

	raw, err := resilience.DoVal(ctx, p.opts.Retry, func(context.Context) (string, error) {
		return resilience.ExecuteVal(detached, breaker, func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
			defer cancel()
			return prov.Generate(callCtx, systemPrompt, prompt)
		})
	})
	if err != nil {
		if leftPending(ctx, err) {
			p.opts.Metrics.EnrichCalls.WithLabelValues(prov.Name(), "deferred").Inc()
			return eris.Wrapf(errLeftPending, "item %d: %v", it.ID, err)
		}
		kind := resilience.KindOf(err)
		p.opts.Metrics.EnrichCalls.WithLabelValues(prov.Name(), string(kind)).Inc()
		if kind.Fatal() {
			return err
		}
		p.markFailed(detached, it.ID)
		return err
	}

	e, err := ParseEnrichment(raw)
	if err != nil {
		p.opts.Metrics.EnrichCalls.WithLabelValues(prov.Name(), "invalid").Inc()
		p.markFailed(detached, it.ID)
		return err
	}
	if err := p.store.SaveEnrichment(detached, it.ID, *e); err != nil {
		return eris.Wrapf(err, "enrich: save item %d", it.ID)
	}
	p.opts.Metrics.EnrichCalls.WithLabelValues(prov.Name(), "success").Inc()
	return nil
}

// leftPending reports whether a failed item should stay pending instead of
// being marked failed: the breaker rejected the call, or the batch was
// cancelled before a retryable failure could be retried.
func leftPending(ctx context.Context, err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	return resilience.IsRetryable(err) || errors.Is(err, context.Canceled)
}

func (p *Pool) markFailed(ctx context.Context, id int64) {
	if err := p.store.MarkEnrichFailed(ctx, id); err != nil {
		zap.L().Error("enrich: mark failed", zap.Int64("item_id", id), zap.Error(err))
	}
}

// selectProvider probes the primary, then the secondary, and returns the
// first usable one.
func (p *Pool) selectProvider(ctx context.Context) (Provider, error) {
	for _, prov := range []Provider{p.primary, p.secondary} {
		if prov == nil {
			continue
		}
		err := p.probe(ctx, prov)
		if err == nil {
			return prov, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "enrich: probe cancelled")
		}
		zap.L().Warn("enrich: provider unavailable",
			zap.String("provider", prov.Name()),
			zap.String("kind", resilience.ClassifyError(err)),
			zap.Error(err),
		)
	}
	return nil, ErrNoProvider
}

// probe makes one minimal call. Auth, model and quota failures make the
// provider unusable; transient and unclassified failures do not.
func (p *Pool) probe(ctx context.Context, prov Provider) error {
	release, err := p.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	breaker := p.opts.Breakers.Get(prov.Name())
	_, err = resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		return prov.Generate(callCtx, "", probePrompt)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || ctx.Err() != nil {
		return err
	}
	kind := resilience.KindOf(err)
	if kind.Fatal() || kind == resilience.KindQuota {
		return err
	}
	zap.L().Warn("enrich: probe failed with a non-blocking error, using provider anyway",
		zap.String("provider", prov.Name()),
		zap.Error(err),
	)
	return nil
}

// uniqueIDs returns ids in order without repeats or members of exclude.
func uniqueIDs(ids, exclude []int64) []int64 {
	seen := make(map[int64]bool, len(ids)+len(exclude))
	for _, id := range exclude {
		seen[id] = true
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
