// Package cluster assigns reduced rows to density clusters.
//
// The algorithm is HDBSCAN (Campello, Moulavi & Sander 2013): a minimum
// spanning tree over mutual reachability distances, condensed by minimum
// cluster size, with flat clusters chosen by excess of mass or as leaves.
// Rows in no selected cluster are labelled Noise.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-logr/logr"
	"github.com/soika/topicmap/internal/ann"
	"github.com/soika/topicmap/internal/numeric"
	"gonum.org/v1/gonum/mat"
)

// Noise is the label of rows that belong to no cluster.
const Noise = -1

const (
	SelectEOM  = "eom"
	SelectLeaf = "leaf"
)

// Config controls clustering sensitivity.
type Config struct {
	MinClusterSize     int
	MinSamples         int
	Metric             numeric.Metric
	SelectionMethod    string
	AllowSingleCluster bool
}

func DefaultConfig() Config {
	return Config{
		MinClusterSize:  10,
		MinSamples:      5,
		Metric:          numeric.Euclidean,
		SelectionMethod: SelectEOM,
	}
}

// Result is the flat clustering. Labels are 0..NClusters-1 in order of
// first appearance, or Noise. Probabilities are 0 for noise.
type Result struct {
	Labels        []int
	Probabilities []float64
	NClusters     int
	NNoise        int
}

// Sizes returns member counts per label, noise under Noise.
func (r *Result) Sizes() map[int]int {
	out := make(map[int]int, r.NClusters+1)
	for _, l := range r.Labels {
		out[l]++
	}
	return out
}

// Degenerate reports whether no cluster was found.
func (r *Result) Degenerate() bool { return r.NClusters == 0 }

// HDBSCAN is a configured clusterer.
type HDBSCAN struct {
	cfg     Config
	backend numeric.Backend
	log     logr.Logger
}

// New validates cfg and returns a clusterer.
func New(cfg Config, backend numeric.Backend, log logr.Logger) (*HDBSCAN, error) {
	if cfg.MinClusterSize < 2 {
		return nil, fmt.Errorf("min_cluster_size must be at least 2, got %d", cfg.MinClusterSize)
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = cfg.MinClusterSize
	}
	switch cfg.SelectionMethod {
	case "":
		cfg.SelectionMethod = SelectEOM
	case SelectEOM, SelectLeaf:
	default:
		return nil, fmt.Errorf("unknown cluster selection method %q", cfg.SelectionMethod)
	}
	if backend == nil {
		backend = numeric.Serial{}
	}
	return &HDBSCAN{cfg: cfg, backend: backend, log: log}, nil
}

type mstEdge struct {
	a, b int
	w    float64
}

// entry is one row of the condensed tree. child < n is a point, anything
// else a cluster.
type entry struct {
	parent, child int
	lambda        float64
	size          int
}

// Fit clusters the rows of x.
func (h *HDBSCAN) Fit(x *mat.Dense) (*Result, error) {
	return h.FitExcluding(x, nil)
}

// FitExcluding clusters the rows of x whose exclude flag is unset. Excluded
// rows are Noise with probability 0 and take no part in the density
// estimate. exclude may be nil.
func (h *HDBSCAN) FitExcluding(x *mat.Dense, exclude []bool) (*Result, error) {
	if x == nil {
		return nil, errors.New("nil input matrix")
	}
	n, dims := x.Dims()
	if exclude != nil && len(exclude) != n {
		return nil, fmt.Errorf("exclude has %d flags for %d rows", len(exclude), n)
	}
	res := &Result{Labels: make([]int, n), Probabilities: make([]float64, n)}
	for i := range res.Labels {
		res.Labels[i] = Noise
	}

	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if exclude == nil || !exclude[i] {
			keep = append(keep, i)
		}
	}
	if len(keep) < 2 {
		res.NNoise = n
		return res, nil
	}
	sub := x
	if len(keep) < n {
		sub = mat.NewDense(len(keep), dims, nil)
		for r, i := range keep {
			sub.SetRow(r, x.RawRowView(i))
		}
		h.log.V(1).Info("rows excluded from clustering", "excluded", n-len(keep))
	}

	m := len(keep)
	core, err := h.coreDistances(sub)
	if err != nil {
		return nil, err
	}
	edges := h.spanningTree(sub, core)
	left, right, dist, size := singleLinkage(edges, m)
	tree := condense(left, right, dist, size, m, h.cfg.MinClusterSize)
	h.log.V(1).Info("condensed tree built", "rows", m, "entries", len(tree))

	inner := &Result{Labels: make([]int, m), Probabilities: make([]float64, m)}
	for i := range inner.Labels {
		inner.Labels[i] = Noise
	}
	h.label(tree, m, inner)

	// keep is ascending, so first-appearance numbering carries over.
	for r, i := range keep {
		res.Labels[i] = inner.Labels[r]
		res.Probabilities[i] = inner.Probabilities[r]
	}
	res.NClusters = inner.NClusters
	for _, l := range res.Labels {
		if l == Noise {
			res.NNoise++
		}
	}
	return res, nil
}

// coreDistances returns, per row, the distance to its MinSamples-th
// nearest row counting the row itself.
func (h *HDBSCAN) coreDistances(x *mat.Dense) ([]float64, error) {
	n, _ := x.Dims()
	core := make([]float64, n)
	k := min(h.cfg.MinSamples-1, n-1)
	if k < 1 {
		return core, nil
	}
	g, err := ann.KNN(h.backend, x, ann.KNNOptions{K: k, Metric: h.cfg.Metric})
	if err != nil {
		return nil, fmt.Errorf("core distances: %w", err)
	}
	copy(core, g.Reach())
	return core, nil
}

// spanningTree runs Prim's algorithm over mutual reachability distances
// without materializing the n×n matrix.
func (h *HDBSCAN) spanningTree(x *mat.Dense, core []float64) []mstEdge {
	n, _ := x.Dims()
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true
	for step := 0; step < n-1; step++ {
		cur := current
		cv := x.RawRowView(cur)
		h.backend.Range(n, func(j int) {
			if inTree[j] {
				return
			}
			d := max(h.cfg.Metric.Distance(cv, x.RawRowView(j)), core[cur], core[j])
			if d < best[j] {
				best[j] = d
				from[j] = cur
			}
		})

		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			if next == -1 || best[j] < best[next] {
				next = j
			}
		}
		inTree[next] = true
		edges = append(edges, mstEdge{a: from[next], b: next, w: best[next]})
		current = next
	}
	return edges
}

// singleLinkage merges MST edges in ascending weight order into a binary
// dendrogram. Internal node n+i is the i-th merge.
func singleLinkage(edges []mstEdge, n int) (left, right []int, dist []float64, size []int) {
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].w < edges[j].w })

	total := 2*n - 1
	parent := make([]int, total)
	size = make([]int, total)
	for i := range parent {
		parent[i] = i
	}
	for i := 0; i < n; i++ {
		size[i] = 1
	}
	var find func(int) int
	find = func(v int) int {
		for parent[v] != v {
			parent[v] = parent[parent[v]]
			v = parent[v]
		}
		return v
	}

	left = make([]int, n-1)
	right = make([]int, n-1)
	dist = make([]float64, n-1)
	for i, e := range edges {
		ra, rb := find(e.a), find(e.b)
		node := n + i
		left[i], right[i], dist[i] = ra, rb, e.w
		size[node] = size[ra] + size[rb]
		parent[ra], parent[rb] = node, node
	}
	return left, right, dist, size
}

func lambdaOf(d float64) float64 {
	return 1 / math.Max(d, 1e-10)
}

// condense walks the dendrogram from the root, keeping a split only when
// both sides have at least minSize points. Points shed from smaller sides
// become leaf entries at the split's lambda. Cluster labels start at n,
// the root.
func condense(left, right []int, dist []float64, size []int, n, minSize int) []entry {
	root := 2*n - 2
	relabel := make([]int, 2*n-1)
	relabel[root] = n
	nextLabel := n + 1
	ignore := make([]bool, 2*n-1)

	var tree []entry
	shed := func(parent, sub int, lambda float64) {
		stack := []int{sub}
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if v < n {
				tree = append(tree, entry{parent: parent, child: v, lambda: lambda, size: 1})
				continue
			}
			ignore[v] = true
			stack = append(stack, left[v-n], right[v-n])
		}
	}

	queue := []int{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node < n || ignore[node] {
			continue
		}
		l, r := left[node-n], right[node-n]
		queue = append(queue, l, r)

		lambda := lambdaOf(dist[node-n])
		lc, rc := size[l], size[r]
		p := relabel[node]

		switch {
		case lc >= minSize && rc >= minSize:
			relabel[l] = nextLabel
			nextLabel++
			tree = append(tree, entry{parent: p, child: relabel[l], lambda: lambda, size: lc})
			relabel[r] = nextLabel
			nextLabel++
			tree = append(tree, entry{parent: p, child: relabel[r], lambda: lambda, size: rc})
		case lc < minSize && rc < minSize:
			shed(p, l, lambda)
			shed(p, r, lambda)
		case lc < minSize:
			relabel[r] = p
			shed(p, l, lambda)
		default:
			relabel[l] = p
			shed(p, r, lambda)
		}
	}
	return tree
}

// label selects flat clusters from the condensed tree and fills res.
func (h *HDBSCAN) label(tree []entry, n int, res *Result) {
	numClusters := 1
	for _, e := range tree {
		if e.child >= n && e.child-n+1 > numClusters {
			numClusters = e.child - n + 1
		}
	}

	clusterParent := make([]int, numClusters)
	birth := make([]float64, numClusters)
	stability := make([]float64, numClusters)
	maxLambda := make([]float64, numClusters)
	children := make([][]int, numClusters)
	pointCluster := make([]int, n)
	pointLambda := make([]float64, n)
	clusterParent[0] = -1

	for _, e := range tree {
		pc := e.parent - n
		maxLambda[pc] = math.Max(maxLambda[pc], e.lambda)
		if e.child >= n {
			cc := e.child - n
			clusterParent[cc] = pc
			birth[cc] = e.lambda
			children[pc] = append(children[pc], cc)
		} else {
			pointCluster[e.child] = pc
			pointLambda[e.child] = e.lambda
		}
	}
	for _, e := range tree {
		pc := e.parent - n
		stability[pc] += (e.lambda - birth[pc]) * float64(e.size)
	}

	first := 1
	if h.cfg.AllowSingleCluster {
		first = 0
	}
	selected := make([]bool, numClusters)

	switch h.cfg.SelectionMethod {
	case SelectLeaf:
		any := false
		for c := first; c < numClusters; c++ {
			if len(children[c]) == 0 {
				selected[c] = true
				any = true
			}
		}
		if !any && h.cfg.AllowSingleCluster {
			selected[0] = true
		}
	default:
		for c := first; c < numClusters; c++ {
			selected[c] = true
		}
		// Children always carry larger labels than their parent.
		for c := numClusters - 1; c >= first; c-- {
			var sub float64
			for _, ch := range children[c] {
				sub += stability[ch]
			}
			if sub > stability[c] {
				selected[c] = false
				stability[c] = sub
				continue
			}
			stack := append([]int(nil), children[c]...)
			for len(stack) > 0 {
				d := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				selected[d] = false
				stack = append(stack, children[d]...)
			}
		}
	}

	flat := make(map[int]int)
	for p := 0; p < n; p++ {
		c := pointCluster[p]
		for c != -1 && !selected[c] {
			c = clusterParent[c]
		}
		if c == -1 {
			continue
		}
		id, ok := flat[c]
		if !ok {
			id = len(flat)
			flat[c] = id
		}
		res.Labels[p] = id

		ml := maxLambda[c]
		if ml == 0 || math.IsInf(ml, 0) {
			res.Probabilities[p] = 1
		} else {
			res.Probabilities[p] = math.Min(pointLambda[p], ml) / ml
		}
	}
	res.NClusters = len(flat)
}
