package pipeline

import (
	"errors"
	"fmt"

	"github.com/soika/topicmap/internal/cluster"
	"github.com/soika/topicmap/internal/config"
	"github.com/soika/topicmap/internal/numeric"
	"github.com/soika/topicmap/internal/reduce"
	"github.com/soika/topicmap/internal/store"
	"github.com/soika/topicmap/internal/topics"
)

// Config is the fully typed pipeline configuration.
type Config struct {
	Source        store.SourceConfig
	SinkTable     string
	SinkBatchSize int
	UMAP          reduce.UMAPConfig
	Cluster       cluster.Config
	// OutlierFactor flags sparse records as noise before clustering; see
	// ann.Graph.Sparse. 0 disables it.
	OutlierFactor float64
	Topics        topics.Config
	// DryRun skips the sink and the run history.
	DryRun bool
	// Settings is stored with the run history for reproducibility.
	Settings any
}

// DefaultConfig mirrors config.Defaults.
func DefaultConfig() Config {
	cfg, err := ConfigFromSettings(config.Defaults())
	if err != nil {
		panic(err)
	}
	return cfg
}

// ConfigFromSettings validates s and converts it into a Config.
func ConfigFromSettings(s config.Settings) (Config, error) {
	if err := s.Validate(); err != nil {
		return Config{}, stageErr("config", KindConfig, err)
	}
	reduceMetric, err := numeric.ParseMetric(s.Reduce.Metric)
	if err != nil {
		return Config{}, stageErr("config", KindConfig, fmt.Errorf("reduce.metric: %w", err))
	}
	clusterMetric, err := numeric.ParseMetric(s.Cluster.Metric)
	if err != nil {
		return Config{}, stageErr("config", KindConfig, fmt.Errorf("cluster.metric: %w", err))
	}

	return Config{
		Source: store.SourceConfig{
			Table:           s.Source.Table,
			IDColumn:        s.Source.IDColumn,
			ShortText:       s.Source.ShortText,
			LongText:        s.Source.LongText,
			EmbeddingColumn: s.Source.EmbeddingColumn,
			Where:           s.Source.Where,
			Limit:           s.Source.Limit,
			BatchSize:       s.Source.BatchSize,
			Encoding:        s.Source.Encoding,
			Dimensions:      s.Source.Dimensions,
		},
		SinkTable:     s.Sink.Table,
		SinkBatchSize: s.Sink.BatchSize,
		UMAP: reduce.UMAPConfig{
			NNeighbors:         s.Reduce.NNeighbors,
			MinDist:            s.Reduce.MinDist,
			Spread:             s.Reduce.Spread,
			Metric:             reduceMetric,
			NComponents:        s.Reduce.NComponents,
			NEpochs:            s.Reduce.NEpochs,
			NegativeSampleRate: 5,
			LearningRate:       1,
			Seed:               s.RandomSeed,
		},
		Cluster: cluster.Config{
			MinClusterSize:     s.Cluster.MinClusterSize,
			MinSamples:         s.Cluster.MinSamples,
			Metric:             clusterMetric,
			SelectionMethod:    s.Cluster.SelectionMethod,
			AllowSingleCluster: s.Cluster.AllowSingleCluster,
		},
		OutlierFactor: s.Cluster.OutlierFactor,
		Topics: topics.Config{
			TopK:            s.Topics.TopK,
			MinDF:           s.Topics.MinDocFrequency,
			NGramMax:        s.Topics.NGramMax,
			NoiseName:       s.Topics.NoiseName,
			Representatives: s.Topics.Samples,
			ExtraStopWords:  s.Topics.StopWords,
		},
		Settings: s,
	}, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Source.Table == "" || c.Source.IDColumn == "" || c.Source.EmbeddingColumn == "" {
		errs = append(errs, errors.New("source table, id column and embedding column are required"))
	}
	if c.SinkTable == "" && !c.DryRun {
		errs = append(errs, errors.New("sink table is required"))
	}
	if c.OutlierFactor < 0 {
		errs = append(errs, fmt.Errorf("outlier factor must not be negative, got %g", c.OutlierFactor))
	}
	if c.Cluster.MinClusterSize < 2 {
		errs = append(errs, fmt.Errorf("min_cluster_size must be at least 2, got %d", c.Cluster.MinClusterSize))
	}
	return errors.Join(errs...)
}
