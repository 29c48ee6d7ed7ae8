// Package report renders run results for people: a topic distribution
// table with keywords and sample documents, and a CSV of the 2-D map.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/soika/topicmap/internal/pipeline"
	"github.com/soika/topicmap/internal/store"
)

// SampleRunes caps how much of each sample document is printed.
const SampleRunes = 200

// Options controls the text report.
type Options struct {
	Samples  int // sample documents per topic, 0 for none
	Keywords bool
}

// WriteDistribution prints the topic table of a run, largest topic first,
// followed by keywords and sample documents of every non-noise topic.
func WriteDistribution(w io.Writer, run *store.Run, topics []store.CatalogTopic, opts Options) error {
	sorted := append([]store.CatalogTopic(nil), topics...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MemberCount != sorted[j].MemberCount {
			return sorted[i].MemberCount > sorted[j].MemberCount
		}
		return sorted[i].TopicID < sorted[j].TopicID
	})

	total := 0
	for _, t := range sorted {
		total += t.MemberCount
	}

	if run != nil {
		fmt.Fprintf(w, "Run %s (%s), started %s\n", run.ID, run.Status, run.StartedAt)
		fmt.Fprintf(w, "Records: %d, skipped: %d, topics: %d, noise: %d\n\n", run.Records, run.Skipped, run.Topics, run.Noise)
	}

	fmt.Fprintln(w, "Topic distribution:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ID\tCOUNT\tSHARE\t NAME")
	for _, t := range sorted {
		share := 0.0
		if total > 0 {
			share = float64(t.MemberCount) / float64(total) * 100
		}
		fmt.Fprintf(tw, "%d\t%d\t%.1f%%\t %s\n", t.TopicID, t.MemberCount, share, t.Name)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("writing distribution: %w", err)
	}

	if opts.Samples <= 0 && !opts.Keywords {
		return nil
	}
	for _, t := range sorted {
		if t.TopicID == -1 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", t.Name)
		if opts.Keywords && len(t.Keywords) > 0 {
			for _, kw := range t.Keywords {
				fmt.Fprintf(w, "- %s: %.3f\n", kw.Term, kw.Score)
			}
		}
		for i, doc := range t.Representatives {
			if i == opts.Samples {
				break
			}
			fmt.Fprintf(w, "%d. %s\n", i+1, truncate(doc, SampleRunes))
		}
	}
	return nil
}

// WriteResult prints the summary of a run that just finished.
func WriteResult(w io.Writer, res *pipeline.Result, opts Options) error {
	run := &store.Run{
		ID:      res.RunID,
		Status:  store.RunCompleted,
		Records: res.Records,
		Skipped: len(res.Skipped),
		Topics:  res.TopicCount(),
		Noise:   res.Noise(),
	}
	if res.Degenerate {
		fmt.Fprintln(w, "No clusters found: every record was assigned to noise.")
	}
	return WriteDistribution(w, run, pipeline.Catalog(res), opts)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// WriteProjectionCSV writes record_id,x,y,topic_id rows with a header.
func WriteProjectionCSV(w io.Writer, points []pipeline.Point) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"record_id", "x", "y", "topic_id"}); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, p := range points {
		row := []string{
			p.RecordID,
			strconv.FormatFloat(p.X, 'f', 6, 64),
			strconv.FormatFloat(p.Y, 'f', 6, 64),
			strconv.Itoa(p.TopicID),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row %s: %w", p.RecordID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}
