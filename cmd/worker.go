package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ainews/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume fetch, enrich and vectorize work from the external queue",
	Long:  "Runs the queue consumers for queue.driver nats or temporal. The inline driver has no separate worker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		switch {
		case env.JetStream != nil:
			js := env.JetStream
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return js.Consume(gctx, "ainews-fetch", queue.SubjectTasks, env.Executor.HandleDelivery)
			})
			g.Go(func() error {
				return js.Consume(gctx, "ainews-enrich", queue.SubjectEnrich, env.Enrich.HandleDelivery)
			})
			g.Go(func() error {
				return js.Consume(gctx, "ainews-vectorize", queue.SubjectVectorize, env.Vectorizer.HandleDelivery)
			})
			zap.L().Info("worker started", zap.String("queue", "nats"))
			return g.Wait()

		case env.TemporalClient != nil:
			w := queue.NewWorker(env.TemporalClient, cfg.Queue.Temporal.TaskQueue, env.Executor.HandleDelivery)
			if err := w.Start(); err != nil {
				return eris.Wrap(err, "start temporal worker")
			}
			zap.L().Info("worker started",
				zap.String("queue", "temporal"),
				zap.String("task_queue", cfg.Queue.Temporal.TaskQueue),
			)
			<-ctx.Done()
			w.Stop()
			return nil
		}
		return eris.Errorf("worker requires queue.driver nats or temporal, got %q", cfg.Queue.Driver)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
