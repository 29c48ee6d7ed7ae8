package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soika/topicmap/internal/observe"
	"github.com/soika/topicmap/internal/report"
)

var (
	runDryRun  bool
	runSamples int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the topic pipeline once and store the assignments",
	Long: `Run reads every record from the source table, clusters the embeddings and
upserts one topic assignment per record into the sink table. A rerun
overwrites the previous assignments.

With --dry-run nothing is written: neither assignments nor run history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics := observe.NewMetrics()
		p, db, err := newPipeline(ctx, metrics, runDryRun)
		if err != nil {
			return err
		}
		defer db.Close()

		res, runErr := p.Run(ctx)
		if err := metrics.WriteTextfile(resolved.Settings.Metrics.Textfile); err != nil {
			log.Error(err, "metrics not written")
		}
		if runErr != nil {
			return runErr
		}
		return report.WriteResult(cmd.OutOrStdout(), res, report.Options{Samples: runSamples, Keywords: true})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Cluster and print topics without writing anything")
	runCmd.Flags().IntVar(&runSamples, "samples", 0, "Sample documents to print per topic")
	rootCmd.AddCommand(runCmd)
}
