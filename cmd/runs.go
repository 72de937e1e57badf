package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/internal/monitoring"
	"github.com/pullcrit/pullcrit/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect review run history",
	Long:  "Commands for listing, viewing, and summarizing review runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review runs",
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
		repo, _ := cmd.Flags().GetString("repo")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status:       model.RunStatus(status),
			RepoFullName: repo,
			Limit:        limit,
		}

		runs, err := st.ListRuns(ctx, filter)
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
	Short: "Show full details of a run, including its findings",
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

		findings, err := st.ListFindings(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show findings")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run":      run,
			"findings": findings,
		})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
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

		hours, _ := cmd.Flags().GetInt("hours")
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, in_progress, completed, failed, skipped)")
	runsListCmd.Flags().String("repo", "", "filter by repository full name (owner/name)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Int("hours", 24, "lookback window in hours")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// newTable creates a tablewriter with borderless styling for terminal
// output.
func newTable(out io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	table := newTable(out, []string{"ID", "Repo", "PR", "Status", "Tokens", "Created", "Duration"})
	for _, r := range runs {
		dur := ""
		if r.DurationSeconds > 0 {
			dur = fmt.Sprintf("%.1fs", r.DurationSeconds)
		}
		_ = table.Append([]string{
			truncateID(r.ID),
			r.RepoFullName,
			"#" + strconv.Itoa(r.PRNumber),
			string(r.Status),
			strconv.Itoa(r.Metrics.TokensUsedEstimated),
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		})
	}
	_ = table.Render()
}

// formatRunStats writes an aggregate snapshot to out.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	table := newTable(out, []string{"Metric", "Value"})
	rows := [][]string{
		{"Window", fmt.Sprintf("last %dh", s.LookbackHours)},
		{"Total runs", strconv.Itoa(s.RunsTotal)},
		{"Completed", strconv.Itoa(s.RunsCompleted)},
		{"Failed", strconv.Itoa(s.RunsFailed)},
		{"Queued", strconv.Itoa(s.RunsQueued)},
		{"In progress", strconv.Itoa(s.RunsInProgress)},
		{"Skipped", strconv.Itoa(s.RunsSkipped)},
		{"Failure rate", fmt.Sprintf("%.1f%%", s.FailRate*100)},
		{"Tokens used", strconv.Itoa(s.TokensUsed)},
		{"Annotations posted", strconv.Itoa(s.AnnotationsPosted)},
	}
	if s.AvgDurationSeconds > 0 {
		rows = append(rows, []string{"Avg duration", fmt.Sprintf("%.1fs", s.AvgDurationSeconds)})
	}
	for _, row := range rows {
		_ = table.Append(row)
	}
	_ = table.Render()
}

// truncateID returns the first 8 characters of a UUID for compact
// display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
