// Package reduce projects embedding rows onto a low-dimensional manifold.
//
// UMAP builds a fuzzy k-nearest-neighbour graph in the input space and lays
// it out in NComponents dimensions by stochastic gradient descent. Output
// is bit-identical for the same input, configuration and seed. It is not
// stable across seeds or code changes, so topic numbering is only
// meaningful within one run.
package reduce

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/go-logr/logr"
	"github.com/soika/topicmap/internal/ann"
	"github.com/soika/topicmap/internal/numeric"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientRows is returned when there are too few rows to build a
// neighbourhood graph.
var ErrInsufficientRows = errors.New("insufficient rows for reduction")

// MinRows is the smallest input UMAP accepts.
const MinRows = 3

// UMAPConfig controls the projection.
type UMAPConfig struct {
	NNeighbors         int
	MinDist            float64
	Spread             float64
	Metric             numeric.Metric
	NComponents        int
	NEpochs            int // 0 picks 500 for up to 10000 rows, else 200
	NegativeSampleRate int
	LearningRate       float64
	Seed               int64
	ExactThreshold     int // rows up to which the kNN graph is exact
}

// DefaultUMAPConfig returns the clustering projection settings.
func DefaultUMAPConfig() UMAPConfig {
	return UMAPConfig{
		NNeighbors:         15,
		MinDist:            0.0,
		Spread:             1.0,
		Metric:             numeric.Cosine,
		NComponents:        5,
		NegativeSampleRate: 5,
		LearningRate:       1.0,
		Seed:               42,
	}
}

// UMAP is a configured reducer.
type UMAP struct {
	cfg     UMAPConfig
	backend numeric.Backend
	log     logr.Logger
}

// NewUMAP returns a reducer. Zero fields of cfg take their defaults.
func NewUMAP(cfg UMAPConfig, backend numeric.Backend, log logr.Logger) *UMAP {
	def := DefaultUMAPConfig()
	if cfg.NNeighbors <= 0 {
		cfg.NNeighbors = def.NNeighbors
	}
	if cfg.Spread <= 0 {
		cfg.Spread = def.Spread
	}
	if cfg.NComponents <= 0 {
		cfg.NComponents = def.NComponents
	}
	if cfg.NegativeSampleRate <= 0 {
		cfg.NegativeSampleRate = def.NegativeSampleRate
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if backend == nil {
		backend = numeric.Serial{}
	}
	return &UMAP{cfg: cfg, backend: backend, log: log}
}

// edge is one directed edge of the symmetric fuzzy graph.
type edge struct {
	head, tail int
	weight     float64
}

// Reduction is the projection plus the input-space neighbour graph it
// was built from.
type Reduction struct {
	Embedding  *mat.Dense
	Neighbours ann.Graph
}

// FitTransform projects x (n×D) to n×NComponents. Row i of the result
// corresponds to row i of x.
func (u *UMAP) FitTransform(x *mat.Dense) (*mat.Dense, error) {
	r, err := u.Reduce(x)
	if err != nil {
		return nil, err
	}
	return r.Embedding, nil
}

// Reduce is FitTransform that also returns the neighbour graph.
func (u *UMAP) Reduce(x *mat.Dense) (*Reduction, error) {
	n, _ := x.Dims()
	if n < MinRows {
		return nil, fmt.Errorf("%w: have %d rows, need at least %d", ErrInsufficientRows, n, MinRows)
	}

	// NNeighbors counts the point itself.
	k := u.cfg.NNeighbors - 1
	if k > n-1 {
		u.log.Info("lowering n_neighbors to fit the input", "requested", u.cfg.NNeighbors, "used", n, "rows", n)
		k = n - 1
	}
	if k < 1 {
		k = 1
	}

	graph, err := ann.KNN(u.backend, x, ann.KNNOptions{
		K:              k,
		Metric:         u.cfg.Metric,
		Seed:           u.cfg.Seed,
		ExactThreshold: u.cfg.ExactThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("building neighbour graph: %w", err)
	}
	u.log.V(1).Info("neighbour graph built", "rows", n, "k", k)

	edges := u.fuzzyGraph(graph, n)
	a, b := fitCurve(u.cfg.Spread, u.cfg.MinDist)
	u.log.V(1).Info("fuzzy graph built", "edges", len(edges), "a", a, "b", b)

	epochs := u.cfg.NEpochs
	if epochs <= 0 {
		epochs = 500
		if n > 10000 {
			epochs = 200
		}
	}

	rng := rand.New(rand.NewSource(u.cfg.Seed))
	y := u.initialLayout(x, rng)
	u.optimize(y, edges, n, epochs, a, b, rng)
	return &Reduction{Embedding: y, Neighbours: graph}, nil
}

// fuzzyGraph calibrates per-point bandwidths and symmetrizes the
// membership strengths with the fuzzy union a + b - a·b.
func (u *UMAP) fuzzyGraph(g ann.Graph, n int) []edge {
	rho := make([]float64, n)
	sigma := make([]float64, n)

	var meanAll float64
	for i := range g.Distances {
		meanAll += floats.Sum(g.Distances[i]) / float64(max(len(g.Distances[i]), 1))
	}
	meanAll /= float64(n)

	u.backend.Range(n, func(i int) {
		rho[i], sigma[i] = smoothKNN(g.Distances[i], meanAll)
	})

	directed := make([]map[int]float64, n)
	for i := range directed {
		directed[i] = make(map[int]float64, len(g.Indices[i]))
	}
	for i := 0; i < n; i++ {
		for p, j := range g.Indices[i] {
			d := g.Distances[i][p] - rho[i]
			w := 1.0
			if d > 0 {
				w = math.Exp(-d / sigma[i])
			}
			directed[i][j] = w
		}
	}

	sym := make([]map[int]float64, n)
	for i := range sym {
		sym[i] = make(map[int]float64)
	}
	for i := 0; i < n; i++ {
		for j, a := range directed[i] {
			b := directed[j][i]
			w := a + b - a*b
			sym[i][j] = w
			sym[j][i] = w
		}
	}

	var edges []edge
	for i := 0; i < n; i++ {
		cols := make([]int, 0, len(sym[i]))
		for j := range sym[i] {
			cols = append(cols, j)
		}
		sort.Ints(cols)
		for _, j := range cols {
			if w := sym[i][j]; w > 0 {
				edges = append(edges, edge{head: i, tail: j, weight: w})
			}
		}
	}
	return edges
}

// smoothKNN finds rho (distance to the nearest neighbour) and sigma such
// that the row's memberships sum to log2(k+1).
func smoothKNN(dists []float64, meanAll float64) (rho, sigma float64) {
	const (
		iterations = 64
		tolerance  = 1e-5
		minScale   = 1e-3
	)
	if len(dists) == 0 {
		return 0, 1
	}
	target := math.Log2(float64(len(dists) + 1))

	for _, d := range dists {
		if d > 0 {
			rho = d
			break
		}
	}

	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for it := 0; it < iterations; it++ {
		var psum float64
		for _, d := range dists {
			if r := d - rho; r > 0 {
				psum += math.Exp(-r / mid)
			} else {
				psum += 1
			}
		}
		if math.Abs(psum-target) < tolerance {
			break
		}
		if psum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}
	sigma = mid

	meanRow := floats.Sum(dists) / float64(len(dists))
	if rho > 0 {
		sigma = math.Max(sigma, minScale*meanRow)
	} else {
		sigma = math.Max(sigma, minScale*meanAll)
	}
	if sigma <= 0 {
		sigma = minScale
	}
	return rho, sigma
}

// initialLayout projects x on random Gaussian directions and scales each
// output column into [-10, 10].
func (u *UMAP) initialLayout(x *mat.Dense, rng *rand.Rand) *mat.Dense {
	n, d := x.Dims()
	c := u.cfg.NComponents

	proj := make([]float64, d*c)
	for i := range proj {
		proj[i] = rng.NormFloat64()
	}
	y := mat.NewDense(n, c, nil)
	y.Mul(x, mat.NewDense(d, c, proj))

	for col := 0; col < c; col++ {
		var maxAbs float64
		for i := 0; i < n; i++ {
			maxAbs = math.Max(maxAbs, math.Abs(y.At(i, col)))
		}
		for i := 0; i < n; i++ {
			v := 0.0
			if maxAbs > 0 {
				v = y.At(i, col) / maxAbs * 10
			}
			// Jitter separates identical inputs so they can be pulled apart.
			y.Set(i, col, v+rng.Float64()*1e-4)
		}
	}
	return y
}

func clip(v float64) float64 {
	const limit = 4.0
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// optimize runs the layout SGD. It is serial on purpose: every update
// reads positions written by the previous one.
func (u *UMAP) optimize(y *mat.Dense, edges []edge, n, epochs int, a, b float64, rng *rand.Rand) {
	if len(edges) == 0 {
		return
	}

	var wMax float64
	for _, e := range edges {
		wMax = math.Max(wMax, e.weight)
	}

	// Edges too weak to be sampled once during the run are dropped.
	kept := edges[:0:0]
	for _, e := range edges {
		if e.weight >= wMax/float64(epochs) {
			kept = append(kept, e)
		}
	}
	edges = kept

	m := len(edges)
	perSample := make([]float64, m)
	nextSample := make([]float64, m)
	perNegative := make([]float64, m)
	nextNegative := make([]float64, m)
	negRate := float64(u.cfg.NegativeSampleRate)
	for i, e := range edges {
		perSample[i] = wMax / e.weight
		nextSample[i] = perSample[i]
		perNegative[i] = perSample[i] / negRate
		nextNegative[i] = perNegative[i]
	}

	dim := u.cfg.NComponents
	for epoch := 0; epoch < epochs; epoch++ {
		alpha := u.cfg.LearningRate * (1 - float64(epoch)/float64(epochs))
		ep := float64(epoch)

		for i, e := range edges {
			if nextSample[i] > ep {
				continue
			}
			current := y.RawRowView(e.head)
			other := y.RawRowView(e.tail)

			distSq := sqDist(current, other)
			coeff := 0.0
			if distSq > 0 {
				coeff = -2 * a * b * math.Pow(distSq, b-1) / (a*math.Pow(distSq, b) + 1)
			}
			for d := 0; d < dim; d++ {
				g := clip(coeff * (current[d] - other[d]))
				current[d] += g * alpha
				other[d] -= g * alpha
			}
			nextSample[i] += perSample[i]

			negatives := int((ep - nextNegative[i]) / perNegative[i])
			for p := 0; p < negatives; p++ {
				k := rng.Intn(n)
				if k == e.head {
					continue
				}
				other := y.RawRowView(k)
				distSq := sqDist(current, other)
				coeff := 0.0
				if distSq > 0 {
					coeff = 2 * b / ((0.001 + distSq) * (a*math.Pow(distSq, b) + 1))
				}
				for d := 0; d < dim; d++ {
					g := 4.0
					if coeff > 0 {
						g = clip(coeff * (current[d] - other[d]))
					}
					current[d] += g * alpha
				}
			}
			nextNegative[i] += float64(negatives) * perNegative[i]
		}
	}
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
