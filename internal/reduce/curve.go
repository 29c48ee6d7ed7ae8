package reduce

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// fitCurve finds a and b such that 1/(1 + a·x^(2b)) approximates the
// low-dimensional membership curve: 1 up to minDist, then
// exp(-(x-minDist)/spread).
func fitCurve(spread, minDist float64) (a, b float64) {
	const samples = 300
	xs := make([]float64, samples)
	ys := make([]float64, samples)
	step := spread * 3 / float64(samples-1)
	for i := range xs {
		x := float64(i) * step
		xs[i] = x
		if x < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(x - minDist) / spread)
		}
	}

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			a, b := p[0], p[1]
			if a <= 0 || b <= 0 {
				return math.Inf(1)
			}
			var sse float64
			for i, x := range xs {
				r := 1/(1+a*math.Pow(x, 2*b)) - ys[i]
				sse += r * r
			}
			return sse
		},
	}

	res, err := optimize.Minimize(problem, []float64{1, 1}, nil, &optimize.NelderMead{})
	if err != nil || res == nil || res.X[0] <= 0 || res.X[1] <= 0 {
		// Values for min_dist 0.1, spread 1.
		return 1.577, 0.8951
	}
	return res.X[0], res.X[1]
}
