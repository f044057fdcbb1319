package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ainews/internal/dispatch"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/runs"
	"github.com/sells-group/ainews/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage ingestion runs",
	Long:  "Commands for listing, viewing, cancelling and summarizing ingestion runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		triggeredBy, _ := cmd.Flags().GetString("triggered-by")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := st.ListRuns(ctx, store.RunFilter{
			Status:      model.RunStatus(status),
			TriggeredBy: triggeredBy,
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, list)
		return nil
	},
}

// -- runs show --

type runDetail struct {
	*model.Run
	Tasks []model.Task `json:"tasks,omitempty"`
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, id)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		tasks, err := st.ListTasks(ctx, id)
		if err != nil {
			return eris.Wrap(err, "runs show: tasks")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runDetail{Run: run, Tasks: tasks})
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or running run",
	Long:  "Marks the run cancelled. A run executing inline in a serve process is not signalled from here; use the admin API for that.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mgr := runs.NewManager(st, dispatch.NewDispatcher(st, nil, dispatch.Options{}), runs.Options{})
		if err := mgr.Cancel(ctx, id); err != nil {
			return eris.Wrapf(err, "runs cancel %d", id)
		}
		fmt.Fprintf(os.Stdout, "Run %d cancelled.\n", id)
		return nil
	},
}

var runsRetryTasksCmd = &cobra.Command{
	Use:   "retry-tasks <run-id>",
	Short: "Re-enqueue the failed tasks of a queued or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "maintenance")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Runs.RetryTasks(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "runs retry-tasks %d", id)
		}
		fmt.Fprintf(os.Stdout, "Run %d: %d failed tasks, %d re-enqueued, %d could not be enqueued.\n",
			id, rep.Total, rep.Enqueued+rep.Duplicates, rep.Failed)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		var from time.Time
		if since > 0 {
			from = time.Now().Add(-since)
		}

		counts, err := st.RunStatusCounts(ctx, from)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, counts)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, success, partial, failed, cancelled)")
	runsListCmd.Flags().String("triggered-by", "", "filter by trigger (cli, admin, scheduler)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsRetryTasksCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid run id %q", s)
	}
	return id, nil
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, list []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tDATES\tSOURCES\tTRIGGER\tCREATED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t-------\t-------\t-------\t--------\t-----")

	for _, r := range list {
		dates := r.DateFrom.Format(model.DateLayout)
		if !r.DateTo.Equal(r.DateFrom) {
			dates += ".." + r.DateTo.Format(model.DateLayout)
		}

		sources := make([]string, len(r.Sources))
		for i, s := range r.Sources {
			sources[i] = string(s)
		}

		dur := ""
		if r.DurationSeconds != nil {
			dur = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}

		errMsg := r.ErrorMessage
		if len(errMsg) > 50 {
			errMsg = errMsg[:47] + "..."
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Status,
			dates,
			strings.Join(sources, ","),
			r.TriggeredBy,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
			errMsg,
		)
	}
	_ = w.Flush()
}

var statsOrder = []model.RunStatus{
	model.RunStatusQueued,
	model.RunStatusRunning,
	model.RunStatusSuccess,
	model.RunStatusPartial,
	model.RunStatusFailed,
	model.RunStatusCancelled,
}

// formatRunStats writes per-status counts to w.
func formatRunStats(out io.Writer, counts map[model.RunStatus]int) {
	total := 0
	for _, n := range counts {
		total += n
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", total)
	for _, s := range statsOrder {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", s, counts[s])
	}
	finished := counts[model.RunStatusSuccess] + counts[model.RunStatusPartial] + counts[model.RunStatusFailed]
	if finished > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", 100*float64(counts[model.RunStatusFailed])/float64(finished))
	}
	_ = w.Flush()
}
