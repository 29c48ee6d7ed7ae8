package observe

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the job's Prometheus collectors on a private registry. A
// batch run has nothing to scrape it, so the registry is written to a
// node_exporter textfile at the end of the run.
type Metrics struct {
	registry *prometheus.Registry

	records       *prometheus.CounterVec
	topics        prometheus.Gauge
	noise         prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	sinkRows      prometheus.Counter
	runs          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicmap_records_total",
				Help: "Records read from the source by outcome (processed or skipped)",
			},
			[]string{"outcome"},
		),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "topicmap_topics",
			Help: "Number of topics found by the last run, noise excluded",
		}),
		noise: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "topicmap_noise_records",
			Help: "Records assigned to no topic by the last run",
		}),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "topicmap_stage_duration_seconds",
				Help:    "Wall time per pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~44min
			},
			[]string{"stage"},
		),
		sinkRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topicmap_sink_rows_total",
			Help: "Assignment rows written to the sink",
		}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicmap_runs_total",
				Help: "Pipeline runs by final status",
			},
			[]string{"status"},
		),
	}
	m.registry.MustRegister(m.records, m.topics, m.noise, m.stageDuration, m.sinkRows, m.runs)
	return m
}

// Registry exposes the underlying registry, for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordsProcessed(n int) { m.records.WithLabelValues("processed").Add(float64(n)) }

func (m *Metrics) RecordsSkipped(n int) { m.records.WithLabelValues("skipped").Add(float64(n)) }

func (m *Metrics) SetTopics(n int) { m.topics.Set(float64(n)) }

func (m *Metrics) SetNoise(n int) { m.noise.Set(float64(n)) }

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) SinkRows(n int) { m.sinkRows.Add(float64(n)) }

func (m *Metrics) RunFinished(status string) { m.runs.WithLabelValues(status).Inc() }

// WriteTextfile writes every metric in text exposition format. The write is
// atomic so a collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}
