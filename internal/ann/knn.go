package ann

import (
	"fmt"
	"sort"

	"github.com/soika/topicmap/internal/numeric"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultExactThreshold is the row count up to which KNN scans all pairs.
const DefaultExactThreshold = 4096

// Graph holds the k nearest neighbours of every row, self excluded,
// closest first.
type Graph struct {
	Indices   [][]int
	Distances [][]float64
}

// K returns the neighbour count per row.
func (g Graph) K() int {
	if len(g.Indices) == 0 {
		return 0
	}
	return len(g.Indices[0])
}

// Reach returns, per row, the distance to its farthest listed neighbour.
func (g Graph) Reach() []float64 {
	out := make([]float64, len(g.Distances))
	for i, ds := range g.Distances {
		if len(ds) > 0 {
			out[i] = ds[len(ds)-1]
		}
	}
	return out
}

// Sparse flags rows whose reach is more than factor times the median reach.
// Those rows sit in no dense neighbourhood of the input space. A factor of
// zero or less flags nothing, as does a zero median.
func (g Graph) Sparse(factor float64) []bool {
	reach := g.Reach()
	out := make([]bool, len(reach))
	if factor <= 0 || len(reach) == 0 {
		return out
	}
	sorted := append([]float64(nil), reach...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if median <= 0 {
		return out
	}
	limit := factor * median
	for i, r := range reach {
		out[i] = r > limit
	}
	return out
}

// KNNOptions controls graph construction.
type KNNOptions struct {
	K              int
	Metric         numeric.Metric
	Seed           int64
	ExactThreshold int // 0 means DefaultExactThreshold
}

// KNN returns the k-nearest-neighbour graph of the rows of x. k must be
// smaller than the row count.
func KNN(b numeric.Backend, x *mat.Dense, opts KNNOptions) (Graph, error) {
	n, _ := x.Dims()
	if opts.K < 1 || opts.K >= n {
		return Graph{}, fmt.Errorf("k=%d needs between 1 and %d", opts.K, n-1)
	}
	threshold := opts.ExactThreshold
	if threshold <= 0 {
		threshold = DefaultExactThreshold
	}
	if n <= threshold {
		return exactKNN(b, x, opts.K, opts.Metric), nil
	}
	return approxKNN(b, x, opts), nil
}

func exactKNN(b numeric.Backend, x *mat.Dense, k int, metric numeric.Metric) Graph {
	n, _ := x.Dims()
	g := Graph{Indices: make([][]int, n), Distances: make([][]float64, n)}
	b.Range(n, func(i int) {
		row := make([]float64, n)
		numeric.PairwiseRow(x, metric, i, row)

		best := make([]candidate, 0, k+1)
		for j, d := range row {
			if j == i {
				continue
			}
			if len(best) == k && d >= best[k-1].dist {
				continue
			}
			best = insertSorted(best, candidate{idx: j, dist: d})
			if len(best) > k {
				best = best[:k]
			}
		}
		g.Indices[i], g.Distances[i] = unpack(best)
	})
	return g
}

func approxKNN(b numeric.Backend, x *mat.Dense, opts KNNOptions) Graph {
	n, _ := x.Dims()
	idx := New(opts.Metric, opts.Seed)
	if ef := 2 * opts.K; ef > idx.EfSearch {
		idx.EfSearch = ef
	}
	for i := 0; i < n; i++ {
		idx.Insert(i, x.RawRowView(i))
	}

	g := Graph{Indices: make([][]int, n), Distances: make([][]float64, n)}
	b.Range(n, func(i int) {
		res := idx.Search(x.RawRowView(i), opts.K+1)
		best := make([]candidate, 0, opts.K)
		for _, r := range res {
			if r.Row == i {
				continue
			}
			best = append(best, candidate{idx: r.Row, dist: r.Distance})
			if len(best) == opts.K {
				break
			}
		}
		g.Indices[i], g.Distances[i] = unpack(best)
	})
	return g
}

func unpack(cs []candidate) ([]int, []float64) {
	ids := make([]int, len(cs))
	ds := make([]float64, len(cs))
	for i, c := range cs {
		ids[i], ds[i] = c.idx, c.dist
	}
	return ids, ds
}
