package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/api"
	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for pushes, schedulers and operators",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		// Storage being down at startup leaves the API up in degraded mode.
		var env *appEnv
		st, err := openStore(ctx)
		if err != nil {
			zap.L().Error("store unavailable, serving degraded", zap.Error(err))
		} else {
			env, err = buildEnv(ctx, st)
			if err != nil {
				return err
			}
			defer env.Close()
		}

		if env != nil && cfg.Server.EmbedLoops {
			startLoops(ctx, env)
		}

		err = startServer(ctx, newRouter(cfg.Server, env), resolvePort(servePort, cfg.Server.Port))

		if env != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if serr := env.Runs.Shutdown(shutdownCtx); serr != nil {
				zap.L().Warn("run shutdown incomplete", zap.Error(serr))
			}
		}
		return err
	},
}

// newRouter builds the API over env. A nil env serves health and metrics
// only; every store-backed route answers 503.
func newRouter(sc config.ServerConfig, env *appEnv) http.Handler {
	deps := api.Deps{}
	if env != nil {
		deps = api.Deps{
			Store:      env.Store,
			Runs:       env.Runs,
			Fetch:      env.Executor,
			Enrich:     env.Enrich,
			Vectorize:  env.Vectorizer,
			Reconciler: env.Reconciler,
			Scrubber:   env.Scrubber,
			Metrics:    env.Metrics,
		}
	}
	return api.NewServer(sc, deps).Router()
}

// startLoops runs the reconciler, scrubber and alert checker until ctx ends.
func startLoops(ctx context.Context, env *appEnv) {
	go env.Reconciler.Loop(ctx, config.Secs(cfg.Reconcile.IntervalSecs))
	go env.Scrubber.Loop(ctx, config.Secs(cfg.Scrub.IntervalSecs))
	if cfg.Monitoring.WebhookURL != "" {
		collector := monitoring.NewCollector(env.Store, cfg.Scrub.RetryCap, env.Metrics)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)
	}
	zap.L().Info("background loops started",
		zap.Int("reconcile_interval_secs", cfg.Reconcile.IntervalSecs),
		zap.Int("scrub_interval_secs", cfg.Scrub.IntervalSecs),
	)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves h on port until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- eris.Wrap(err, "server listen")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return <-errCh
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
