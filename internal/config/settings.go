// Package config loads pipeline settings from YAML and resolves the
// database connection from config file, environment and CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultDriver = "sqlite"
	DefaultDSN    = "~/.topicmap/topicmap.db"
)

type DatabaseSettings struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// SourceSettings describes where records and their embeddings come from.
// ShortText and LongText are SQL expressions, so JSON extraction such as
// COALESCE(lot->>'nameRu', ...) is allowed there.
type SourceSettings struct {
	Table           string `yaml:"table" json:"table"`
	IDColumn        string `yaml:"id_column" json:"id_column"`
	ShortText       string `yaml:"short_text" json:"short_text"`
	LongText        string `yaml:"long_text" json:"long_text"`
	EmbeddingColumn string `yaml:"embedding_column" json:"embedding_column"`
	Where           string `yaml:"where" json:"where,omitempty"`
	Limit           int    `yaml:"limit" json:"limit,omitempty"`
	BatchSize       int    `yaml:"batch_size" json:"batch_size"`
	Encoding        string `yaml:"encoding" json:"encoding"` // "text" or "blob"
	Dimensions      int    `yaml:"dimensions" json:"dimensions,omitempty"`
}

type SinkSettings struct {
	Table     string `yaml:"table" json:"table"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
}

type ReduceSettings struct {
	NNeighbors  int     `yaml:"n_neighbors" json:"n_neighbors"`
	MinDist     float64 `yaml:"min_dist" json:"min_dist"`
	Spread      float64 `yaml:"spread" json:"spread"`
	Metric      string  `yaml:"metric" json:"metric"`
	NComponents int     `yaml:"n_components" json:"n_components"`
	NEpochs     int     `yaml:"n_epochs" json:"n_epochs,omitempty"`
}

type ClusterSettings struct {
	MinClusterSize     int    `yaml:"min_cluster_size" json:"min_cluster_size"`
	MinSamples         int    `yaml:"min_samples" json:"min_samples"`
	Metric             string `yaml:"metric" json:"metric"`
	SelectionMethod    string `yaml:"selection_method" json:"selection_method"`
	AllowSingleCluster bool   `yaml:"allow_single_cluster" json:"allow_single_cluster"`
	// OutlierFactor marks a record as noise before clustering when its
	// k-th neighbour in embedding space is more than this many times
	// farther than the median record's. 0 disables the check.
	OutlierFactor float64 `yaml:"outlier_factor" json:"outlier_factor"`
}

type TopicSettings struct {
	TopK            int      `yaml:"top_k_keywords" json:"top_k_keywords"`
	MinDocFrequency int      `yaml:"min_doc_frequency" json:"min_doc_frequency"`
	NGramMax        int      `yaml:"ngram_max" json:"ngram_max"`
	StopWords       []string `yaml:"stop_words" json:"stop_words,omitempty"`
	NoiseName       string   `yaml:"noise_name" json:"noise_name"`
	Samples         int      `yaml:"samples" json:"samples"`
}

type BackendSettings struct {
	Kind    string `yaml:"kind" json:"kind"` // "cpu" or "parallel"
	Workers int    `yaml:"workers" json:"workers,omitempty"`
}

type MetricsSettings struct {
	Textfile string `yaml:"textfile" json:"textfile,omitempty"`
}

// Settings is the full pipeline configuration surface.
type Settings struct {
	Database   DatabaseSettings `yaml:"database" json:"database"`
	Source     SourceSettings   `yaml:"source" json:"source"`
	Sink       SinkSettings     `yaml:"sink" json:"sink"`
	Reduce     ReduceSettings   `yaml:"reduce" json:"reduce"`
	Cluster    ClusterSettings  `yaml:"cluster" json:"cluster"`
	Topics     TopicSettings    `yaml:"topics" json:"topics"`
	Backend    BackendSettings  `yaml:"backend" json:"backend"`
	Metrics    MetricsSettings  `yaml:"metrics" json:"metrics"`
	RandomSeed int64            `yaml:"random_seed" json:"random_seed"`
}

// Defaults returns the settings used by the original contract-topics job.
func Defaults() Settings {
	return Settings{
		Database: DatabaseSettings{Driver: DefaultDriver, DSN: DefaultDSN},
		Source: SourceSettings{
			Table:           "contracts",
			IDColumn:        "id",
			ShortText:       "name_ru",
			LongText:        "description_ru",
			EmbeddingColumn: "embedding",
			BatchSize:       5000,
			Encoding:        "text",
		},
		Sink: SinkSettings{Table: "contract_topics", BatchSize: 1000},
		Reduce: ReduceSettings{
			NNeighbors:  15,
			MinDist:     0.0,
			Spread:      1.0,
			Metric:      "cosine",
			NComponents: 5,
		},
		Cluster: ClusterSettings{
			MinClusterSize:  10,
			MinSamples:      5,
			Metric:          "euclidean",
			SelectionMethod: "eom",
			OutlierFactor:   3,
		},
		Topics: TopicSettings{
			TopK:            5,
			MinDocFrequency: 5,
			NGramMax:        3,
			NoiseName:       "noise",
			Samples:         3,
		},
		Backend:    BackendSettings{Kind: "cpu"},
		RandomSeed: 42,
	}
}

// LoadSettings reads path over the defaults. found is false when the file
// does not exist, which is not an error.
func LoadSettings(path string) (Settings, bool, error) {
	s := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, false, nil
		}
		return s, false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, true, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, true, nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate reports every violated constraint at once.
func (s Settings) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch s.Database.Driver {
	case "sqlite", "postgres":
	default:
		add("database.driver %q: want sqlite or postgres", s.Database.Driver)
	}
	if strings.TrimSpace(s.Database.DSN) == "" {
		add("database.dsn is empty")
	}

	for _, ident := range []struct{ name, value string }{
		{"source.table", s.Source.Table},
		{"source.id_column", s.Source.IDColumn},
		{"source.embedding_column", s.Source.EmbeddingColumn},
		{"sink.table", s.Sink.Table},
	} {
		if !identPattern.MatchString(ident.value) {
			add("%s %q is not a plain identifier", ident.name, ident.value)
		}
	}
	if firstNonEmpty(s.Source.ShortText, s.Source.LongText) == "" {
		add("source.short_text and source.long_text are both empty")
	}
	if s.Source.BatchSize <= 0 {
		add("source.batch_size must be positive, got %d", s.Source.BatchSize)
	}
	if s.Source.Limit < 0 {
		add("source.limit must not be negative, got %d", s.Source.Limit)
	}
	if s.Source.Dimensions < 0 {
		add("source.dimensions must not be negative, got %d", s.Source.Dimensions)
	}
	switch s.Source.Encoding {
	case "text", "blob":
	default:
		add("source.encoding %q: want text or blob", s.Source.Encoding)
	}
	if s.Sink.BatchSize <= 0 {
		add("sink.batch_size must be positive, got %d", s.Sink.BatchSize)
	}

	if s.Reduce.NNeighbors < 2 {
		add("reduce.n_neighbors must be at least 2, got %d", s.Reduce.NNeighbors)
	}
	if s.Reduce.MinDist < 0 {
		add("reduce.min_dist must not be negative, got %g", s.Reduce.MinDist)
	}
	if s.Reduce.Spread <= 0 || s.Reduce.MinDist > s.Reduce.Spread {
		add("reduce.spread must be positive and at least min_dist, got %g", s.Reduce.Spread)
	}
	if s.Reduce.NComponents < 1 {
		add("reduce.n_components must be positive, got %d", s.Reduce.NComponents)
	}
	if s.Reduce.NEpochs < 0 {
		add("reduce.n_epochs must not be negative, got %d", s.Reduce.NEpochs)
	}
	checkMetric := func(name, v string) {
		switch v {
		case "cosine", "euclidean":
		default:
			add("%s %q: want cosine or euclidean", name, v)
		}
	}
	checkMetric("reduce.metric", s.Reduce.Metric)
	checkMetric("cluster.metric", s.Cluster.Metric)

	if s.Cluster.MinClusterSize < 2 {
		add("cluster.min_cluster_size must be at least 2, got %d", s.Cluster.MinClusterSize)
	}
	if s.Cluster.MinSamples < 1 {
		add("cluster.min_samples must be positive, got %d", s.Cluster.MinSamples)
	}
	switch s.Cluster.SelectionMethod {
	case "eom", "leaf":
	default:
		add("cluster.selection_method %q: want eom or leaf", s.Cluster.SelectionMethod)
	}
	if s.Cluster.OutlierFactor < 0 {
		add("cluster.outlier_factor must not be negative, got %g", s.Cluster.OutlierFactor)
	}

	if s.Topics.TopK < 1 {
		add("topics.top_k_keywords must be positive, got %d", s.Topics.TopK)
	}
	if s.Topics.MinDocFrequency < 1 {
		add("topics.min_doc_frequency must be positive, got %d", s.Topics.MinDocFrequency)
	}
	if s.Topics.NGramMax < 1 || s.Topics.NGramMax > 3 {
		add("topics.ngram_max must be between 1 and 3, got %d", s.Topics.NGramMax)
	}
	if strings.TrimSpace(s.Topics.NoiseName) == "" {
		add("topics.noise_name is empty")
	}
	if s.Topics.Samples < 0 {
		add("topics.samples must not be negative, got %d", s.Topics.Samples)
	}

	switch s.Backend.Kind {
	case "cpu", "parallel":
	default:
		add("backend.kind %q: want cpu or parallel", s.Backend.Kind)
	}
	if s.Backend.Workers < 0 {
		add("backend.workers must not be negative, got %d", s.Backend.Workers)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}
