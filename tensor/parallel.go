package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// maxWorkers bounds the goroutines used by batch kernels. Zero means GOMAXPROCS.
var maxWorkers = 0

// SetMaxWorkers limits kernel parallelism; n <= 0 restores the GOMAXPROCS default
func SetMaxWorkers(n int) {
	if n < 0 {
		n = 0
	}
	maxWorkers = n
}

func workerCount(items int) int {
	w := maxWorkers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	if w > items {
		w = items
	}
	if w < 1 {
		w = 1
	}
	return w
}

// parallelChunks splits [0, n) into contiguous chunks, one per worker, and runs
// fn for each chunk concurrently. The worker index lets callers keep
// per-worker accumulators that are reduced afterwards.
func parallelChunks(n int, fn func(worker, start, end int) error) (int, error) {
	workers := workerCount(n)
	if workers == 1 {
		return 1, fn(0, 0, n)
	}

	var g errgroup.Group
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, n)
		if start >= end {
			continue
		}
		g.Go(func() error {
			return fn(w, start, end)
		})
	}
	return workers, g.Wait()
}
