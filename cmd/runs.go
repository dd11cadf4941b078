package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/roadworks-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing runs, viewing one run's phases and result, and dumping its per-segment outcomes.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		dataset, _ := cmd.Flags().GetString("dataset")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:  store.RunStatus(status),
			Dataset: dataset,
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs segments --

var runsSegmentsCmd = &cobra.Command{
	Use:   "segments <run-id>",
	Short: "List a run's per-segment outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		results, err := st.ListSegmentResults(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs segments")
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No segment results found.")
			return nil
		}

		formatSegmentResults(os.Stdout, results)
		return nil
	},
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATASET\tENGINE\tSTATUS\tCLEAN\tFLAGGED\tCREATED")
	for _, r := range runs {
		clean, flagged := "-", "-"
		if r.Result != nil {
			clean = fmt.Sprintf("%d", r.Result.SegmentsClean)
			flagged = fmt.Sprintf("%d", r.Result.SegmentsFlagged)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.Dataset,
			r.Engine,
			r.Status,
			clean,
			flagged,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}

// formatSegmentResults writes a tabular list of per-segment outcomes to w.
func formatSegmentResults(out io.Writer, results []store.SegmentResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tROAD\tSTATUS\tKM\tDETOUR\tFLAGS\tREVIEW")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
			r.SegmentID,
			r.RoadName,
			r.Status,
			r.RouteDistanceKm,
			r.DetourRatio,
			strings.Join(r.Flags, ","),
			r.ReviewReason,
		)
	}
	w.Flush()
}

// shortID truncates a UUID for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status")
	runsListCmd.Flags().String("dataset", "", "filter by dataset key")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsSegmentsCmd)
	rootCmd.AddCommand(runsCmd)
}
