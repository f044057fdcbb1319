package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry items that exhausted enrichment retries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		srcName, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		var src model.Source
		if srcName != "" {
			s, err := model.ParseSource(srcName)
			if err != nil {
				return err
			}
			src = s
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListDLQ(ctx, store.DLQFilter{
			RetryCap: cfg.Scrub.RetryCap,
			Source:   src,
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "DLQ is empty.")
			return nil
		}
		formatDLQ(os.Stdout, items)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [item-id...]",
	Short: "Reset dead-lettered items to pending and republish them",
	Long:  "Resets the given items, or every dead-lettered item when none are named, and publishes them for enrichment.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseItemIDs(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "maintenance")
		if err != nil {
			return err
		}
		defer env.Close()

		reset, err := env.Scrubber.RetryDLQ(ctx, ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reset %d item(s).\n", len(reset))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("source", "", "filter by source (hn, reddit, arxiv, rss)")
	dlqListCmd.Flags().Int("limit", 50, "max number of items to display")
	dlqListCmd.Flags().Int("offset", 0, "number of items to skip")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

func parseItemIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, eris.Errorf("invalid item id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// formatDLQ writes a tabular list of dead-lettered items to w.
func formatDLQ(out io.Writer, items []model.DLQItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tDATE\tRETRIES\tTITLE")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t-------\t-----")
	for _, it := range items {
		title := it.Title
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			it.ID,
			it.SourceType,
			it.DigestDate.Format(model.DateLayout),
			it.EnrichRetries,
			title,
		)
	}
	_ = w.Flush()
}
