package numeric

import (
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(t *testing.T, n, d int, seed int64) *mat.Dense {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n*d)
	for i := range data {
		data[i] = rng.NormFloat64() * 3
	}
	return mat.NewDense(n, d, data)
}

func TestNormalizeRows_UnitNormAndZeroRow(t *testing.T) {
	x := randomMatrix(t, 200, 16, 1)
	zero := make([]float64, 16)
	x.SetRow(17, zero)

	for _, b := range []Backend{Serial{}, Parallel{Workers: 4}} {
		out := NormalizeRows(b, x)
		for i := 0; i < 200; i++ {
			norm := floats.Norm(out.RawRowView(i), 2)
			if i == 17 {
				if norm != 0 {
					t.Fatalf("%s: zero row became norm %v", b.Name(), norm)
				}
				continue
			}
			if math.Abs(norm-1) > 1e-9 {
				t.Fatalf("%s: row %d has norm %v", b.Name(), i, norm)
			}
		}
	}
}

func TestNormalizeRows_BackendsAgree(t *testing.T) {
	x := randomMatrix(t, 500, 8, 2)
	a := NormalizeRows(Serial{}, x)
	b := NormalizeRows(Parallel{Workers: 3}, x)
	if !mat.Equal(a, b) {
		t.Fatal("serial and parallel backends disagree")
	}
}

func TestParallelRange_VisitsEveryIndexOnce(t *testing.T) {
	const n = 1000
	var hits [n]int32
	Parallel{Workers: 8}.Range(n, func(i int) {
		atomic.AddInt32(&hits[i], 1)
	})
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("cpu", 0)
	if err != nil || b.Name() != "cpu" {
		t.Fatalf("unexpected cpu backend: %v %v", b, err)
	}
	b, err = NewBackend("parallel", 2)
	if err != nil || b.Name() != "parallel(2)" {
		t.Fatalf("unexpected parallel backend: %v %v", b, err)
	}
	if _, err := NewBackend("cuda", 0); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestMetricDistance(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 2}
	if d := Euclidean.Distance(a, b); math.Abs(d-math.Sqrt(5)) > 1e-12 {
		t.Fatalf("euclidean: got %v", d)
	}
	if d := Cosine.Distance(a, b); math.Abs(d-1) > 1e-12 {
		t.Fatalf("cosine orthogonal: got %v", d)
	}
	if d := Cosine.Distance(a, []float64{3, 0}); d != 0 {
		t.Fatalf("cosine parallel: got %v", d)
	}
	if d := Cosine.Distance(a, []float64{0, 0}); d != 1 {
		t.Fatalf("cosine with zero row: got %v", d)
	}
	if m, err := ParseMetric("cosine"); err != nil || m != Cosine {
		t.Fatalf("ParseMetric: %v %v", m, err)
	}
}

func TestFromFloat32(t *testing.T) {
	m, err := FromFloat32([][]float32{{1, 2}, {3, 4}, {5, 6}})
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	if r, c := m.Dims(); r != 3 || c != 2 || m.At(2, 1) != 6 {
		t.Fatalf("unexpected matrix %dx%d", r, c)
	}
	if _, err := FromFloat32([][]float32{{1, 2}, {3}}); err == nil {
		t.Fatal("expected ragged rows to fail")
	}
}
