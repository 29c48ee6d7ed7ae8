package observe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.RecordsProcessed(99)
	m.RecordsSkipped(1)
	m.SinkRows(60)
	m.SinkRows(39)
	m.SetTopics(4)
	m.SetNoise(12)
	m.RunFinished("completed")

	if got := testutil.ToFloat64(m.records.WithLabelValues("processed")); got != 99 {
		t.Fatalf("processed = %v, want 99", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sinkRows); got != 99 {
		t.Fatalf("sink rows = %v, want 99", got)
	}
	if got := testutil.ToFloat64(m.topics); got != 4 {
		t.Fatalf("topics = %v, want 4", got)
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveStage("reduce", 1500*time.Millisecond)
	m.RunFinished("failed")

	path := filepath.Join(t.TempDir(), "topicmap.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	out := string(b)
	for _, want := range []string{
		`topicmap_stage_duration_seconds_count{stage="reduce"} 1`,
		`topicmap_runs_total{status="failed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestMetrics_WriteTextfileNoPath(t *testing.T) {
	if err := NewMetrics().WriteTextfile(""); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"", "console", "json"} {
		log, flush, err := NewLogger(LogOptions{Format: format})
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
		log.WithName("test").V(1).Info("hidden at default verbosity")
		flush()
	}
	if _, _, err := NewLogger(LogOptions{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestStartStage_NoopTracer(t *testing.T) {
	ctx, span := StartStage(context.Background(), "run-1", "cluster")
	if ctx == nil || span == nil {
		t.Fatal("expected a context and span")
	}
	EndStage(span, errors.New("boom"))
}
