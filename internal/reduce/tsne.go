package reduce

import (
	"fmt"

	"github.com/danaugrs/go-tsne/tsne"
	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"
)

// TSNEConfig controls the t-SNE visualization projection.
type TSNEConfig struct {
	Perplexity   float64
	LearningRate float64
	MaxIter      int
	MaxRows      int // exact t-SNE is quadratic in memory
}

func DefaultTSNEConfig() TSNEConfig {
	return TSNEConfig{Perplexity: 30, LearningRate: 200, MaxIter: 1000, MaxRows: 5000}
}

// TSNE projects rows to two dimensions for plotting only. The library
// draws from the global random source, so layouts differ between calls.
type TSNE struct {
	cfg TSNEConfig
	log logr.Logger
}

func NewTSNE(cfg TSNEConfig, log logr.Logger) *TSNE {
	def := DefaultTSNEConfig()
	if cfg.Perplexity <= 0 {
		cfg.Perplexity = def.Perplexity
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = def.MaxIter
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	return &TSNE{cfg: cfg, log: log}
}

// FitTransform returns an n×2 layout of x.
func (t *TSNE) FitTransform(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	if n < MinRows {
		return nil, fmt.Errorf("%w: have %d rows, need at least %d", ErrInsufficientRows, n, MinRows)
	}
	if n > t.cfg.MaxRows {
		return nil, fmt.Errorf("t-SNE supports at most %d rows, got %d; use the umap method", t.cfg.MaxRows, n)
	}

	perplexity := t.cfg.Perplexity
	if limit := float64(n-1) / 3; perplexity > limit {
		t.log.Info("lowering perplexity to fit the input", "requested", perplexity, "used", limit)
		perplexity = limit
	}

	model := tsne.NewTSNE(2, perplexity, t.cfg.LearningRate, t.cfg.MaxIter, false)
	y := model.EmbedData(x, func(iter int, divergence float64, _ mat.Matrix) bool {
		if iter%100 == 0 {
			t.log.V(1).Info("t-SNE progress", "iter", iter, "divergence", divergence)
		}
		return false
	})

	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, y.At(i, 0))
		out.Set(i, 1, y.At(i, 1))
	}
	return out, nil
}
