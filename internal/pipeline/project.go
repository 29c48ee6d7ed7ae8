package pipeline

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/soika/topicmap/internal/numeric"
	"github.com/soika/topicmap/internal/reduce"
	"github.com/soika/topicmap/internal/topics"
)

const (
	MethodUMAP = "umap"
	MethodTSNE = "tsne"
)

// Point is one record placed on the 2-D map.
type Point struct {
	RecordID string
	X, Y     float64
	TopicID  int
}

// Project lays the source records out in two dimensions for plotting and
// colours them with the topics currently stored in the sink. Records the
// sink has never seen are reported as noise.
func (p *Pipeline) Project(ctx context.Context, method string) ([]Point, error) {
	if err := p.deps.DB.EnsureSchema(ctx, p.cfg.SinkTable); err != nil {
		return nil, stageErr(StageSink, KindSink, err)
	}
	log := p.log.WithValues("method", method)

	records, _, err := p.load(ctx, log)
	if err != nil {
		return nil, classify(StageSource, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	rows := make([][]float32, len(records))
	for i, r := range records {
		rows[i] = r.Embedding
	}
	raw, err := numeric.FromFloat32(rows)
	if err != nil {
		return nil, stageErr(StageNormalize, KindShape, err)
	}
	x := numeric.NormalizeRows(p.deps.Backend, raw)

	var layout *mat.Dense
	switch method {
	case "", MethodUMAP:
		cfg := p.cfg.UMAP
		cfg.NComponents = 2
		layout, err = reduce.NewUMAP(cfg, p.deps.Backend, log.WithName("umap")).FitTransform(x)
	case MethodTSNE:
		layout, err = reduce.NewTSNE(reduce.TSNEConfig{}, log.WithName("tsne")).FitTransform(x)
	default:
		return nil, stageErr(StageReduce, KindConfig, fmt.Errorf("unknown projection method %q", method))
	}
	if err != nil {
		return nil, stageErr(StageReduce, KindShape, err)
	}

	ids, err := p.sink.TopicIDs(ctx)
	if err != nil {
		return nil, stageErr(StageSink, KindSink, err)
	}

	out := make([]Point, len(records))
	for i, r := range records {
		topic, ok := ids[r.ID]
		if !ok {
			topic = topics.Noise
		}
		out[i] = Point{RecordID: r.ID, X: layout.At(i, 0), Y: layout.At(i, 1), TopicID: topic}
	}
	return out, nil
}
