// Package pipeline runs one topic-discovery batch: read embeddings,
// normalize, reduce, cluster, label and write assignments back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/soika/topicmap/internal/cluster"
	"github.com/soika/topicmap/internal/numeric"
	"github.com/soika/topicmap/internal/observe"
	"github.com/soika/topicmap/internal/reduce"
	"github.com/soika/topicmap/internal/store"
	"github.com/soika/topicmap/internal/topics"
)

// Stage names, used in errors, spans, metrics and Result.Durations.
const (
	StageSource    = "source"
	StageNormalize = "normalize"
	StageReduce    = "reduce"
	StageCluster   = "cluster"
	StageLabel     = "label"
	StageSink      = "sink"
)

// Deps are the pipeline's collaborators. DB is required; the rest default.
type Deps struct {
	DB      *store.DB
	Backend numeric.Backend
	Metrics *observe.Metrics
	Log     logr.Logger
}

// Result summarizes a finished run.
type Result struct {
	RunID       string
	Records     int
	Skipped     []store.SkippedRecord
	Topics      []topics.Topic
	Assignments []store.Assignment
	Degenerate  bool
	Durations   map[string]time.Duration
}

// Noise returns the number of records assigned to no topic.
func (r *Result) Noise() int {
	n := 0
	for _, a := range r.Assignments {
		if a.TopicID == topics.Noise {
			n++
		}
	}
	return n
}

// TopicCount returns the number of topics, noise excluded.
func (r *Result) TopicCount() int {
	n := 0
	for _, t := range r.Topics {
		if t.ID != topics.Noise {
			n++
		}
	}
	return n
}

// Pipeline is a configured batch job. It holds no state between runs.
type Pipeline struct {
	cfg    Config
	deps   Deps
	source *store.VectorSource
	sink   *store.ResultSink
	runs   *store.RunLog
	log    logr.Logger
}

// New checks cfg and wires the stages. It does no I/O.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.DB == nil {
		return nil, stageErr("config", KindConfig, errors.New("database handle is required"))
	}
	if err := cfg.validate(); err != nil {
		return nil, stageErr("config", KindConfig, err)
	}
	if deps.Backend == nil {
		deps.Backend = numeric.Serial{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.NewMetrics()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		source: store.NewVectorSource(deps.DB, cfg.Source),
		sink:   store.NewResultSink(deps.DB, cfg.SinkTable, cfg.SinkBatchSize),
		runs:   store.NewRunLog(deps.DB),
		log:    deps.Log.WithName("pipeline"),
	}, nil
}

// Run executes every stage once. Cancellation is honoured between stages;
// a stage that has started runs to completion.
func (p *Pipeline) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{Durations: make(map[string]time.Duration)}

	if p.cfg.DryRun {
		res.RunID = uuid.NewString()
	} else {
		if err := p.deps.DB.EnsureSchema(ctx, p.cfg.SinkTable); err != nil {
			return nil, stageErr(StageSink, KindSink, err)
		}
		res.RunID, err = p.runs.Begin(ctx, p.cfg.Settings)
		if err != nil {
			return nil, stageErr(StageSink, KindSink, err)
		}
	}
	log := p.log.WithValues("run", res.RunID)

	defer func() {
		status := store.RunCompleted
		if err != nil {
			status = store.RunFailed
			log.Error(err, "run failed")
			if !p.cfg.DryRun {
				if ferr := p.runs.Fail(context.WithoutCancel(ctx), res.RunID, err); ferr != nil {
					log.Error(ferr, "recording failed run")
				}
			}
		}
		p.deps.Metrics.RunFinished(status)
	}()

	var records []store.Record
	if err := p.stage(ctx, res, StageSource, func(ctx context.Context) error {
		var err error
		records, res.Skipped, err = p.load(ctx, log)
		return err
	}); err != nil {
		return res, err
	}
	res.Records = len(records)
	p.deps.Metrics.RecordsProcessed(len(records))
	p.deps.Metrics.RecordsSkipped(len(res.Skipped))

	if len(records) == 0 {
		log.Info("source is empty, nothing to cluster", "skipped", len(res.Skipped))
		return res, p.complete(ctx, res)
	}

	var x *mat.Dense
	if err := p.stage(ctx, res, StageNormalize, func(context.Context) error {
		rows := make([][]float32, len(records))
		for i, r := range records {
			rows[i] = r.Embedding
		}
		raw, err := numeric.FromFloat32(rows)
		if err != nil {
			return stageErr(StageNormalize, KindShape, err)
		}
		x = numeric.NormalizeRows(p.deps.Backend, raw)
		return nil
	}); err != nil {
		return res, err
	}

	var reduced *reduce.Reduction
	if err := p.stage(ctx, res, StageReduce, func(context.Context) error {
		var err error
		reduced, err = reduce.NewUMAP(p.cfg.UMAP, p.deps.Backend, log.WithName("umap")).Reduce(x)
		if err != nil {
			return stageErr(StageReduce, KindShape, err)
		}
		return nil
	}); err != nil {
		return res, err
	}

	var clusters *cluster.Result
	if err := p.stage(ctx, res, StageCluster, func(context.Context) error {
		h, err := cluster.New(p.cfg.Cluster, p.deps.Backend, log.WithName("hdbscan"))
		if err != nil {
			return stageErr(StageCluster, KindConfig, err)
		}
		sparse := reduced.Neighbours.Sparse(p.cfg.OutlierFactor)
		outliers := 0
		for _, s := range sparse {
			if s {
				outliers++
			}
		}
		if outliers > 0 {
			log.Info("sparse records set aside as noise", "records", outliers, "factor", p.cfg.OutlierFactor)
		}
		clusters, err = h.FitExcluding(reduced.Embedding, sparse)
		if err != nil {
			return stageErr(StageCluster, KindShape, err)
		}
		return nil
	}); err != nil {
		return res, err
	}
	res.Degenerate = clusters.Degenerate()
	if res.Degenerate {
		log.Info("no clusters found, every record is noise", "records", len(records))
	}

	if err := p.stage(ctx, res, StageLabel, func(context.Context) error {
		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = r.Text
		}
		labeling, err := topics.NewLabeler(p.cfg.Topics, log.WithName("labeler")).Label(texts, clusters.Labels, clusters.Probabilities)
		if err != nil {
			return stageErr(StageLabel, KindShape, err)
		}
		res.Topics = labeling.Topics
		res.Assignments = assignments(records, labeling, clusters.Probabilities)
		return nil
	}); err != nil {
		return res, err
	}

	if !p.cfg.DryRun {
		if err := p.stage(ctx, res, StageSink, func(ctx context.Context) error {
			return p.write(ctx, res)
		}); err != nil {
			return res, err
		}
	}

	return res, p.complete(ctx, res)
}

// stage times fn, wraps it in a span and tags bare errors with the stage.
func (p *Pipeline) stage(ctx context.Context, res *Result, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return stageErr(name, KindSource, fmt.Errorf("run cancelled: %w", err))
	}
	ctx, span := observe.StartStage(ctx, res.RunID, name)
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)

	res.Durations[name] = d
	p.deps.Metrics.ObserveStage(name, d)
	observe.EndStage(span, err, attribute.Int("topicmap.records", res.Records))
	p.log.V(1).Info("stage finished", "run", res.RunID, "stage", name, "duration", d)

	return classify(name, err)
}

// classify tags an untagged error with the stage it came from. Dimension
// mismatches are shape errors wherever they surface.
func classify(stage string, err error) error {
	var se *StageError
	if err == nil || errors.As(err, &se) {
		return err
	}
	kind := KindShape
	switch stage {
	case StageSource:
		kind = KindSource
	case StageSink:
		kind = KindSink
	}
	if errors.Is(err, store.ErrDimensionMismatch) {
		kind = KindShape
	}
	return stageErr(stage, kind, err)
}

// load drains the source cursor.
func (p *Pipeline) load(ctx context.Context, log logr.Logger) ([]store.Record, []store.SkippedRecord, error) {
	if total, err := p.source.Count(ctx); err != nil {
		log.V(1).Info("could not count source rows", "error", err.Error())
	} else {
		log.Info("reading source", "rows", total)
	}

	cur, err := p.source.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close()

	var (
		records []store.Record
		skipped []store.SkippedRecord
	)
	for {
		batch, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		records = append(records, batch.Records...)
		skipped = append(skipped, batch.Skipped...)
		log.V(1).Info("batch read", "records", len(batch.Records), "skipped", len(batch.Skipped), "streamed", cur.Streamed())
	}
	for _, s := range skipped {
		log.Info("skipped record", "record_id", s.ID, "reason", s.Reason)
	}
	log.Info("source read", "records", len(records), "skipped", len(skipped), "dimensions", cur.Dimensions())
	return records, skipped, nil
}

func assignments(records []store.Record, labeling *topics.Labeling, probs []float64) []store.Assignment {
	names := make(map[int]string, len(labeling.Topics))
	for _, t := range labeling.Topics {
		names[t.ID] = t.Name
	}
	out := make([]store.Assignment, len(records))
	for i, r := range records {
		id := labeling.Labels[i]
		prob := probs[i]
		if id == topics.Noise {
			prob = 0
		}
		out[i] = store.Assignment{
			RecordID:    r.ID,
			TopicID:     id,
			TopicName:   names[id],
			Probability: prob,
		}
	}
	return out
}

// write upserts assignments and stores the topic catalog for the run.
func (p *Pipeline) write(ctx context.Context, res *Result) error {
	n, err := p.sink.Upsert(ctx, res.Assignments)
	p.deps.Metrics.SinkRows(n)
	if err != nil {
		return stageErr(StageSink, KindSink, err)
	}

	if err := p.runs.SaveTopics(ctx, res.RunID, Catalog(res)); err != nil {
		return stageErr(StageSink, KindSink, err)
	}
	return nil
}

// Catalog converts the topics of res into catalog rows for its run.
func Catalog(res *Result) []store.CatalogTopic {
	out := make([]store.CatalogTopic, 0, len(res.Topics))
	for _, t := range res.Topics {
		kws := make([]store.KeywordScore, len(t.Keywords))
		for i, kw := range t.Keywords {
			kws[i] = store.KeywordScore{Term: kw.Term, Score: kw.Score}
		}
		out = append(out, store.CatalogTopic{
			RunID:           res.RunID,
			TopicID:         t.ID,
			Name:            t.Name,
			Keywords:        kws,
			MemberCount:     t.Count,
			Representatives: t.Representatives,
		})
	}
	return out
}

func (p *Pipeline) complete(ctx context.Context, res *Result) error {
	p.deps.Metrics.SetTopics(res.TopicCount())
	p.deps.Metrics.SetNoise(res.Noise())
	p.log.Info("run completed",
		"run", res.RunID,
		"records", res.Records,
		"skipped", len(res.Skipped),
		"topics", res.TopicCount(),
		"noise", res.Noise(),
	)
	if p.cfg.DryRun {
		return nil
	}
	err := p.runs.Complete(ctx, res.RunID, store.RunStats{
		Records: res.Records,
		Skipped: len(res.Skipped),
		Topics:  res.TopicCount(),
		Noise:   res.Noise(),
	})
	return stageErr(StageSink, KindSink, err)
}
