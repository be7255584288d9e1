// Package parallel runs embarrassingly parallel index ranges on a set of
// persistent workers.
//
// Work handed to ParallelFor is split into disjoint [start, end) ranges;
// callers are expected to write only to the output region owned by their
// range, so no synchronization beyond the completion barrier is needed.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// AutoGrain asks ParallelFor to choose the grain size.
const AutoGrain = 0

// Pool is a persistent worker pool, reused across kernel calls.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a pool; numWorkers <= 0 uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	if p == nil {
		return 1
	}
	return p.numWorkers
}

// Close stops the workers. Later calls to ParallelFor run sequentially.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// Grain resolves the grain size used for n items: AutoGrain spreads the work
// over four chunks per worker, anything else is taken as given.
func (p *Pool) Grain(n, grain int) int {
	if grain > 0 {
		return grain
	}
	chunks := p.NumWorkers() * 4
	return max(1, (n+chunks-1)/chunks)
}

// ParallelFor calls fn over disjoint ranges covering [0, n). Workers pull
// chunks of grain items until the range is exhausted, so uneven chunks are
// balanced across the pool. It blocks until every chunk has finished.
func (p *Pool) ParallelFor(n, grain int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	grain = p.Grain(n, grain)
	chunks := (n + grain - 1) / grain
	if p == nil || p.closed.Load() || p.numWorkers == 1 || chunks == 1 {
		fn(0, n)
		return
	}

	workers := min(p.numWorkers, chunks)
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		p.workC <- workItem{
			fn: func() {
				for {
					c := int(next.Add(1)) - 1
					if c >= chunks {
						return
					}
					start := c * grain
					fn(start, min(start+grain, n))
				}
			},
			barrier: &wg,
		}
	}
	wg.Wait()
}
