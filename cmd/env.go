package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/dedup"
	"github.com/sells-group/ainews/internal/dispatch"
	"github.com/sells-group/ainews/internal/enrich"
	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/queue"
	"github.com/sells-group/ainews/internal/reconcile"
	"github.com/sells-group/ainews/internal/resilience"
	"github.com/sells-group/ainews/internal/runs"
	"github.com/sells-group/ainews/internal/scrub"
	"github.com/sells-group/ainews/internal/source"
	"github.com/sells-group/ainews/internal/store"
	"github.com/sells-group/ainews/internal/vectorize"
	anthropicpkg "github.com/sells-group/ainews/pkg/anthropic"
	"github.com/sells-group/ainews/pkg/gemini"
	"github.com/sells-group/ainews/pkg/openai"
)

// appEnv holds the store, clients and pipeline components needed by the
// serve, worker, run and maintenance commands.
type appEnv struct {
	Store      store.Store
	Metrics    *monitoring.Metrics
	Executor   *dispatch.Executor
	Dispatcher *dispatch.Dispatcher
	Pool       *enrich.Pool
	Enrich     *enrich.Handler
	Vectorizer *vectorize.Vectorizer
	Runs       *runs.Manager
	Reconciler *reconcile.Reconciler
	Scrubber   *scrub.Scrubber

	Inline         *queue.Inline
	JetStream      *queue.JetStream // nil unless queue.driver is nats
	Temporal       *queue.Temporal  // nil unless queue.driver is temporal
	TemporalClient client.Client    // nil unless queue.driver is temporal
	Gemini         gemini.Client    // nil without a Gemini key
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Inline != nil {
		e.Inline.Wait()
	}
	if e.JetStream != nil {
		_ = e.JetStream.Close()
	}
	if e.Temporal != nil {
		_ = e.Temporal.Close()
	}
	if e.Gemini != nil {
		_ = e.Gemini.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and wires every pipeline component. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return buildEnv(ctx, st)
}

// buildEnv wires the pipeline over st. On error everything, st included, is
// closed.
func buildEnv(ctx context.Context, st store.Store) (*appEnv, error) {
	env := &appEnv{Store: st, Metrics: monitoring.NewMetrics()}
	m := env.Metrics

	if cfg.Gemini.Key != "" {
		gc, err := gemini.NewClient(ctx, cfg.Gemini.Key, gemini.Config{
			Model:          cfg.Gemini.Model,
			EmbeddingModel: cfg.Gemini.EmbeddingModel,
		})
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init gemini")
		}
		env.Gemini = gc
	} else {
		zap.L().Debug("AINEWS_GEMINI_KEY not set, gemini provider and embeddings disabled")
	}

	primary, err := initProvider(cfg.Enrich.Primary, env.Gemini)
	if err != nil {
		env.Close()
		return nil, err
	}
	secondary, err := initProvider(cfg.Enrich.Secondary, env.Gemini)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Pool = enrich.NewPool(st, enrich.NewGate(cfg.Enrich.Concurrency, cfg.Enrich.RPM), primary, secondary, enrich.Options{
		Retry:           resilience.FromProviderConfig(cfg.Enrich.MaxAttempts, cfg.Enrich.InitialBackoffSec, cfg.Enrich.MaxBackoffSec),
		CallTimeout:     config.Secs(cfg.Enrich.CallTimeoutSecs),
		ContentMaxChars: cfg.Enrich.ContentMaxChars,
		RelatedWindow:   config.Days(cfg.Enrich.RelatedWindowDays),
		RelatedTopK:     cfg.Enrich.RelatedTopK,
		Breakers:        enrich.NewProviderBreakers(resilience.FromCircuitConfig(cfg.Enrich.BreakerThreshold, cfg.Enrich.BreakerResetSecs), m),
		Metrics:         m,
	})
	env.Enrich = enrich.NewHandler(env.Pool)

	var embedder vectorize.Embedder
	var dedupEmbedder dedup.Embedder
	if env.Gemini != nil {
		embedder = env.Gemini
		dedupEmbedder = env.Gemini
	}
	env.Vectorizer = vectorize.New(st, embedder, config.Secs(cfg.Enrich.CallTimeoutSecs))

	engine := dedup.NewEngine(st, dedup.Options{
		Mode:      dedup.Mode(cfg.Dedup.Mode),
		Threshold: cfg.Dedup.Threshold,
		Neighbors: cfg.Dedup.Neighbors,
		Embedder:  dedupEmbedder,
		Index:     dedup.NewStoreIndex(st, config.Days(cfg.Dedup.WindowDays)),
		Metrics:   m,
	})

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Sources.UserAgent,
		Timeout:   config.Secs(cfg.Sources.TimeoutSecs),
	})
	sources := source.NewSet(cfg.Sources, f)

	// Saved-item events: JetStream when configured, otherwise handled in
	// process. Inline runs enrich directly and never forward.
	env.Inline = queue.NewInline(env.Enrich.HandleDelivery, env.Vectorizer.HandleDelivery)
	var (
		q   queue.Queue
		pub queue.Publisher = env.Inline
		fwd dispatch.Forwarder
	)
	switch cfg.Queue.Driver {
	case "nats":
		js, err := queue.NewJetStream(ctx, cfg.Queue.NATS)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.JetStream = js
		q, pub, fwd = js, js, js
	case "temporal":
		tq, tc, err := queue.NewTemporal(cfg.Queue.Temporal)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Temporal, env.TemporalClient = tq, tc
		q, fwd = tq, env.Inline
	}

	trending, err := trendingSources(cfg.Pipeline.TrendingSources)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Executor = dispatch.NewExecutor(st, sources, engine, fwd, dispatch.ExecOptions{
		FetchTimeout: config.Secs(cfg.Pipeline.FetchTimeoutSecs),
		Metrics:      m,
	})
	env.Dispatcher = dispatch.NewDispatcher(st, env.Executor, dispatch.Options{
		Concurrency: cfg.Pipeline.Concurrency,
		Trending:    dispatch.Trending{Sources: trending, Days: cfg.Pipeline.TrendingDays},
		Enricher:    env.Pool,
		Vectorizer:  env.Vectorizer,
		Queue:       q,
	})
	env.Runs = runs.NewManager(st, env.Dispatcher, runs.Options{
		MaxActiveRuns:     cfg.Pipeline.MaxActiveRuns,
		External:          q != nil,
		MinEnrichRatio:    cfg.Pipeline.MinEnrichRatio,
		ErrorPreviewChars: cfg.Pipeline.ErrorPreviewChars,
		Heartbeat:         config.Secs(cfg.Pipeline.HeartbeatSecs),
		Metrics:           m,
	})
	env.Reconciler = reconcile.New(st, env.Runs, reconcile.Options{
		StaleTask: config.Mins(cfg.Reconcile.StaleTaskMins),
		StaleRun:  config.Mins(cfg.Reconcile.StaleRunMins),
		Metrics:   m,
	})
	env.Scrubber = scrub.New(st, pub, scrub.Options{
		Grace:     config.Mins(cfg.Scrub.GraceMins),
		RetryCap:  cfg.Scrub.RetryCap,
		BatchSize: cfg.Scrub.BatchSize,
		Metrics:   m,
	})

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("dedup", cfg.Dedup.Mode),
		zap.String("primary", cfg.Enrich.Primary),
		zap.String("secondary", cfg.Enrich.Secondary),
	)
	return env, nil
}

// initProvider builds the named generation provider. An empty name or a
// missing key yields nil.
func initProvider(name string, gc gemini.Client) (enrich.Provider, error) {
	if name == "" || cfg.ProviderKey(name) == "" {
		return nil, nil
	}
	switch name {
	case "gemini":
		if gc == nil {
			return nil, nil
		}
		return enrich.NewGeminiProvider(gc), nil
	case "openai":
		c, err := openai.NewClient(cfg.OpenAI.Key, openai.Config{Model: cfg.OpenAI.Model, BaseURL: cfg.OpenAI.BaseURL})
		if err != nil {
			return nil, eris.Wrap(err, "init openai")
		}
		return enrich.NewOpenAIProvider(c), nil
	case "anthropic":
		c, err := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.Config{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			CacheTTL:  "1h",
		})
		if err != nil {
			return nil, eris.Wrap(err, "init anthropic")
		}
		return enrich.NewAnthropicProvider(c), nil
	default:
		return nil, eris.Errorf("unknown provider %q", name)
	}
}

// trendingSources parses the configured trending sources. Unlike
// model.ParseSources, an empty list means none.
func trendingSources(names []string) ([]model.Source, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return model.ParseSources(names)
}
