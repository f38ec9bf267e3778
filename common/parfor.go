package common

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// GetGrainSize returns a chunk size for ParallelFor that spreads n items over
// the available processors, clamped to [minGrainSize, maxGrainSize].
func GetGrainSize(n, minGrainSize, maxGrainSize int) int {
	procs := runtime.GOMAXPROCS(0)
	grain := n / procs
	if grain < minGrainSize {
		return minGrainSize
	}
	if grain > maxGrainSize {
		return maxGrainSize
	}
	return grain
}

// ParallelFor calls f over [0, n) in chunks of the given grain size. Chunks
// are handed out dynamically, so f must be safe to call concurrently on
// disjoint ranges. When there is only one chunk f runs on the calling
// goroutine.
func ParallelFor(n, grain int, f func(start, end int)) {
	if n <= 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}
	chunks := (n + grain - 1) / grain
	if chunks == 1 {
		f(0, n)
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > chunks {
		workers = chunks
	}
	var next int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				start := int(atomic.AddInt64(&next, int64(grain))) - grain
				if start >= n {
					return
				}
				end := start + grain
				if end > n {
					end = n
				}
				f(start, end)
			}
		}()
	}
	wg.Wait()
}
