// Package numeric holds the matrix plumbing shared by the pipeline stages:
// the compute backend, row normalization and distance metrics.
//
// A Backend only decides how independent per-row work is scheduled. Every
// stage writes row i from call i alone, so output is identical whichever
// backend runs it.
package numeric

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Backend schedules independent per-index work.
type Backend interface {
	// Range calls fn(i) once for every i in [0, n). Calls may run
	// concurrently, so fn must only write state owned by index i.
	Range(n int, fn func(i int))
	Name() string
}

// NewBackend returns the backend named by kind: "cpu" runs serially,
// "parallel" fans out over workers goroutines (0 means GOMAXPROCS).
func NewBackend(kind string, workers int) (Backend, error) {
	switch kind {
	case "", "cpu", "serial":
		return Serial{}, nil
	case "parallel":
		return Parallel{Workers: workers}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// Serial runs everything on the calling goroutine.
type Serial struct{}

func (Serial) Range(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		fn(i)
	}
}

func (Serial) Name() string { return "cpu" }

// Parallel splits the index space into contiguous chunks run by a bounded
// errgroup.
type Parallel struct {
	Workers int
}

// minChunk keeps tiny ranges off the goroutine path.
const minChunk = 64

func (p Parallel) Range(n int, fn func(i int)) {
	workers := p.workers()
	if workers == 1 || n <= minChunk {
		Serial{}.Range(n, fn)
		return
	}

	chunk := (n + workers*4 - 1) / (workers * 4)
	if chunk < minChunk {
		chunk = minChunk
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				fn(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p Parallel) Name() string { return fmt.Sprintf("parallel(%d)", p.workers()) }

func (p Parallel) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.GOMAXPROCS(0)
}
