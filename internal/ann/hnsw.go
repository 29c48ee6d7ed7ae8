// Package ann builds nearest-neighbour graphs over embedding rows.
//
// Small inputs get an exact brute-force graph. Larger ones go through an
// HNSW index (Malkov & Yashunin, https://arxiv.org/abs/1603.09320) built
// serially with a seeded level generator, so the graph is reproducible for
// a given seed and input order.
package ann

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/soika/topicmap/internal/numeric"
)

// Index is an in-memory HNSW index keyed by row number.
type Index struct {
	mu         sync.RWMutex
	nodes      []node
	entryPoint int // -1 if empty
	maxLevel   int
	metric     numeric.Metric

	M              int     // max connections per layer
	Mmax0          int     // max connections on layer 0
	EfConstruction int     // build-time beam width
	EfSearch       int     // query-time beam width
	LevelMult      float64 // 1/ln(M)

	rng *rand.Rand
}

type node struct {
	row     int
	vector  []float64
	friends [][]int // friends[layer] = neighbour node indices
	level   int
}

// Result is one neighbour with its distance under the index metric.
type Result struct {
	Row      int
	Distance float64
}

type candidate struct {
	idx  int
	dist float64
}

const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
)

// New creates an index with default parameters.
func New(metric numeric.Metric, seed int64) *Index {
	return NewWithParams(metric, seed, DefaultM, DefaultEfConstruction, DefaultEfSearch)
}

// NewWithParams creates an index with custom graph parameters.
func NewWithParams(metric numeric.Metric, seed int64, m, efConstruction, efSearch int) *Index {
	if m < 2 {
		m = 2
	}
	return &Index{
		metric:         metric,
		M:              m,
		Mmax0:          2 * m,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		LevelMult:      1.0 / math.Log(float64(m)),
		entryPoint:     -1,
		maxLevel:       -1,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of indexed rows.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Insert adds a row. The vector is retained, not copied.
func (idx *Index) Insert(row int, vector []float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	nodeIdx := len(idx.nodes)
	level := idx.randomLevel()
	idx.nodes = append(idx.nodes, node{
		row:     row,
		vector:  vector,
		friends: make([][]int, level+1),
		level:   level,
	})

	if idx.entryPoint == -1 {
		idx.entryPoint = nodeIdx
		idx.maxLevel = level
		return
	}

	ep := idx.entryPoint
	for l := idx.maxLevel; l > level; l-- {
		ep = idx.greedyClosest(vector, ep, l)
	}

	top := min(level, idx.maxLevel)
	for l := top; l >= 0; l-- {
		candidates := idx.searchLayer(vector, ep, idx.EfConstruction, l)

		maxConn := idx.M
		if l == 0 {
			maxConn = idx.Mmax0
		}
		neighbors := selectNeighbors(candidates, maxConn)
		idx.nodes[nodeIdx].friends[l] = neighbors

		for _, nb := range neighbors {
			idx.nodes[nb].friends[l] = append(idx.nodes[nb].friends[l], nodeIdx)
			if len(idx.nodes[nb].friends[l]) > maxConn {
				idx.nodes[nb].friends[l] = idx.shrinkNeighbors(nb, idx.nodes[nb].friends[l], maxConn)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}

	if level > idx.maxLevel {
		idx.entryPoint = nodeIdx
		idx.maxLevel = level
	}
}

// Search returns up to k nearest rows, closest first. It is safe to call
// concurrently once inserts are done.
func (idx *Index) Search(query []float64, k int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == -1 {
		return nil
	}
	ef := max(idx.EfSearch, k)

	ep := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.greedyClosest(query, ep, l)
	}
	candidates := idx.searchLayer(query, ep, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{Row: idx.nodes[c.idx].row, Distance: c.dist}
	}
	return out
}

func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	if r == 0 {
		r = 1e-10
	}
	return int(math.Floor(-math.Log(r) * idx.LevelMult))
}

func (idx *Index) distance(a []float64, nodeIdx int) float64 {
	return idx.metric.Distance(a, idx.nodes[nodeIdx].vector)
}

func (idx *Index) greedyClosest(query []float64, ep int, layer int) int {
	dist := idx.distance(query, ep)
	for {
		improved := false
		if layer < len(idx.nodes[ep].friends) {
			for _, f := range idx.nodes[ep].friends[layer] {
				if d := idx.distance(query, f); d < dist {
					ep, dist = f, d
					improved = true
				}
			}
		}
		if !improved {
			return ep
		}
	}
}

// searchLayer is a beam search on one layer, returning up to ef
// candidates sorted by distance.
func (idx *Index) searchLayer(query []float64, ep int, ef int, layer int) []candidate {
	visited := map[int]bool{ep: true}
	epDist := idx.distance(query, ep)
	frontier := []candidate{{idx: ep, dist: epDist}}
	results := []candidate{{idx: ep, dist: epDist}}

	for len(frontier) > 0 {
		closest := frontier[0]
		frontier = frontier[1:]

		if closest.dist > results[len(results)-1].dist && len(results) >= ef {
			break
		}
		if layer >= len(idx.nodes[closest.idx].friends) {
			continue
		}
		for _, nb := range idx.nodes[closest.idx].friends[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true

			d := idx.distance(query, nb)
			if len(results) < ef || d < results[len(results)-1].dist {
				c := candidate{idx: nb, dist: d}
				frontier = insertSorted(frontier, c)
				results = insertSorted(results, c)
				if len(results) > ef {
					results = results[:ef]
				}
			}
		}
	}
	return results
}

func selectNeighbors(candidates []candidate, maxConn int) []int {
	n := min(len(candidates), maxConn)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].idx
	}
	return out
}

func (idx *Index) shrinkNeighbors(nodeIdx int, neighbors []int, maxConn int) []int {
	scored := make([]candidate, len(neighbors))
	vec := idx.nodes[nodeIdx].vector
	for i, nb := range neighbors {
		scored[i] = candidate{idx: nb, dist: idx.distance(vec, nb)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })
	return selectNeighbors(scored, maxConn)
}

// insertSorted keeps s ascending by distance; equal distances keep
// insertion order.
func insertSorted(s []candidate, c candidate) []candidate {
	i := sort.Search(len(s), func(i int) bool { return s[i].dist > c.dist })
	s = append(s, candidate{})
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}
