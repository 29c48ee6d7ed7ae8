package numeric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Metric is a distance function over equal-length rows.
type Metric int

const (
	Euclidean Metric = iota
	Cosine
)

// ParseMetric maps a configuration name to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "euclidean", "l2", "":
		return Euclidean, nil
	case "cosine":
		return Cosine, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
}

func (m Metric) String() string {
	if m == Cosine {
		return "cosine"
	}
	return "euclidean"
}

// Distance returns the distance between a and b. Cosine distance is
// 1 - cos(a, b), in [0, 2]; a zero row is treated as orthogonal to
// everything.
func (m Metric) Distance(a, b []float64) float64 {
	if m == Cosine {
		na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
		if na == 0 || nb == 0 {
			return 1
		}
		d := 1 - floats.Dot(a, b)/(na*nb)
		if d < 0 {
			return 0
		}
		return d
	}
	return floats.Distance(a, b, 2)
}

// FromFloat32 builds an n×d matrix from float32 rows. All rows must have
// the same length.
func FromFloat32(rows [][]float32) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	d := len(rows[0])
	if d == 0 {
		return nil, fmt.Errorf("zero-length rows")
	}
	data := make([]float64, 0, len(rows)*d)
	for i, r := range rows {
		if len(r) != d {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(r), d)
		}
		for _, v := range r {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(rows), d, data), nil
}

// NormalizeRows returns a copy of x with every row scaled to unit L2 norm.
// A zero row stays zero.
func NormalizeRows(b Backend, x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	out := mat.NewDense(n, d, nil)
	b.Range(n, func(i int) {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		norm := floats.Norm(src, 2)
		if norm == 0 || math.IsNaN(norm) {
			return
		}
		copy(dst, src)
		floats.Scale(1/norm, dst)
	})
	return out
}

// PairwiseRow fills dst[j] with the distance from row i to row j.
func PairwiseRow(x *mat.Dense, metric Metric, i int, dst []float64) {
	n, _ := x.Dims()
	a := x.RawRowView(i)
	for j := 0; j < n; j++ {
		if j == i {
			dst[j] = 0
			continue
		}
		dst[j] = metric.Distance(a, x.RawRowView(j))
	}
}
