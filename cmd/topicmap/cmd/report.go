package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soika/topicmap/internal/report"
	"github.com/soika/topicmap/internal/store"
)

var (
	reportRunID   string
	reportSamples int
	reportJSON    bool
	reportRuns    int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the topic distribution and sample documents of a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx, resolved.Settings.Sink.Table); err != nil {
			return err
		}
		runs := store.NewRunLog(db)
		out := cmd.OutOrStdout()

		if reportRuns > 0 {
			list, err := runs.ListRuns(ctx, reportRuns)
			if err != nil {
				return err
			}
			for _, r := range list {
				fmt.Fprintf(out, "%s  %-9s  records=%d skipped=%d topics=%d noise=%d  %s\n",
					r.ID, r.Status, r.Records, r.Skipped, r.Topics, r.Noise, r.StartedAt)
			}
			return nil
		}

		var run *store.Run
		if reportRunID != "" {
			run, err = runs.GetRun(ctx, reportRunID)
		} else {
			run, err = runs.LatestRun(ctx, store.RunCompleted)
		}
		if errors.Is(err, store.ErrNoRuns) {
			return fmt.Errorf("no completed run found; run `topicmap run` first")
		}
		if err != nil {
			return err
		}

		topics, err := runs.ListTopics(ctx, run.ID)
		if err != nil {
			return err
		}
		if reportJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"run": run, "topics": topics})
		}
		return report.WriteDistribution(out, run, topics, report.Options{Samples: reportSamples, Keywords: true})
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportRunID, "run", "", "Run id (default: latest completed run)")
	reportCmd.Flags().IntVar(&reportSamples, "samples", 3, "Sample documents per topic")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the catalog as JSON")
	reportCmd.Flags().IntVar(&reportRuns, "history", 0, "List the N most recent runs instead")
	rootCmd.AddCommand(reportCmd)
}
