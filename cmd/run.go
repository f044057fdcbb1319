package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/runs"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest and enrich a date range",
	Long: `Creates a run over [--from, --to] for the given sources and executes it.

With queue.driver inline the run executes in this process and the command
waits for it to finish; an interrupt cancels the run. With an external queue
the tasks are enqueued and the command returns once fan-out is done.`,
	Example: `  ainews run --from 2026-03-01
  ainews run --from 2026-03-01 --to 2026-03-07 --sources hn,arxiv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := runRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Runs.Create(ctx, req)
		if err != nil {
			return err
		}
		if err := env.Runs.Start(ctx, run); err != nil {
			return err
		}

		if cfg.Queue.Driver == "inline" {
			waitInline(ctx, env.Runs, run.ID)
		}

		final, err := env.Store.GetRun(context.WithoutCancel(ctx), run.ID)
		if err != nil {
			return eris.Wrap(err, "run: reload")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}
		if final.Status == model.RunStatusFailed {
			return eris.Errorf("run %d failed: %s", final.ID, final.ErrorMessage)
		}
		return nil
	},
}

// waitInline blocks until the inline run finishes. The first interrupt
// cancels the run and keeps waiting for it to record its status.
func waitInline(ctx context.Context, mgr *runs.Manager, id int64) {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-done:
		return
	case <-sig:
	case <-ctx.Done():
	}

	zap.L().Info("interrupt received, cancelling run", zap.Int64("run_id", id))
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := mgr.Cancel(cancelCtx, id); err != nil {
		zap.L().Warn("cancel run", zap.Int64("run_id", id), zap.Error(err))
	}
	<-done
}

// runRequestFromFlags builds a CreateRequest. --to defaults to --from.
func runRequestFromFlags(cmd *cobra.Command) (runs.CreateRequest, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	srcNames, _ := cmd.Flags().GetStringSlice("sources")

	if fromStr == "" {
		return runs.CreateRequest{}, eris.New("--from is required")
	}
	from, err := model.ParseDate(fromStr)
	if err != nil {
		return runs.CreateRequest{}, eris.Wrap(err, "--from")
	}
	to := from
	if toStr != "" {
		if to, err = model.ParseDate(toStr); err != nil {
			return runs.CreateRequest{}, eris.Wrap(err, "--to")
		}
	}
	sources, err := model.ParseSources(srcNames)
	if err != nil {
		return runs.CreateRequest{}, eris.Wrap(err, "--sources")
	}
	return runs.CreateRequest{DateFrom: from, DateTo: to, Sources: sources, TriggeredBy: "cli"}, nil
}

func init() {
	runCmd.Flags().String("from", "", "first digest date (YYYY-MM-DD)")
	runCmd.Flags().String("to", "", "last digest date (YYYY-MM-DD, default --from)")
	runCmd.Flags().StringSlice("sources", nil, fmt.Sprintf("sources to ingest (default all of %v)", model.AllSources))
	rootCmd.AddCommand(runCmd)
}
