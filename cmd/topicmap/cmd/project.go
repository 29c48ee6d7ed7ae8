package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soika/topicmap/internal/pipeline"
	"github.com/soika/topicmap/internal/report"
)

var (
	projectOut    string
	projectMethod string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Write a 2-D map of the records, coloured by stored topic, as CSV",
	Long: `Project lays every source record out in two dimensions and writes
record_id,x,y,topic_id rows. Topics come from the sink, so run the pipeline
first. t-SNE is limited to a few thousand records and is not seeded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := newPipeline(ctx, nil, false)
		if err != nil {
			return err
		}
		defer db.Close()

		points, err := p.Project(ctx, projectMethod)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if projectOut != "" && projectOut != "-" {
			f, err := os.Create(projectOut)
			if err != nil {
				return fmt.Errorf("creating %s: %w", projectOut, err)
			}
			defer f.Close()
			out = f
		}
		if err := report.WriteProjectionCSV(out, points); err != nil {
			return err
		}
		log.Info("projection written", "points", len(points), "method", projectMethod, "out", projectOut)
		return nil
	},
}

func init() {
	projectCmd.Flags().StringVarP(&projectOut, "out", "o", "-", "Output CSV file, - for stdout")
	projectCmd.Flags().StringVar(&projectMethod, "method", pipeline.MethodUMAP, "Projection: umap or tsne")
	rootCmd.AddCommand(projectCmd)
}
