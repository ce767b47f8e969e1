// Package parallel provides the fork-join execution model used by every
// kernel: a bounded worker pool and the M x N output partitioner.
package parallel

import (
	"errors"
	"runtime"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Pool runs fork-join regions on at most Threads goroutines. A nil *Pool runs
// everything on the calling goroutine.
type Pool struct {
	threads int
}

// NewPool returns a pool limited to threads workers; threads <= 0 means GOMAXPROCS.
func NewPool(threads int) *Pool {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &Pool{threads: threads}
}

func (p *Pool) Threads() int {
	if p == nil {
		return 1
	}
	return p.threads
}

// Run calls fn for every index in [0, n) and returns once all calls have
// finished. Each call's failure (including a recovered panic) is kept and
// the whole set is returned joined.
func (p *Pool) Run(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	failures := make([]error, n)
	if p.Threads() == 1 || n == 1 {
		for i := range n {
			failures[i] = protect(fn, i)
		}
		return errors.Join(failures...)
	}

	var g errgroup.Group
	g.SetLimit(p.threads)
	for i := range n {
		g.Go(func() error {
			failures[i] = protect(fn, i)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}

// Partitioned splits an m x n domain with Partition and runs fn once per
// rectangle. Rectangles are disjoint, so fn may write its part of a shared
// output without locking.
func (p *Pool) Partitioned(m, n int, fn func(r Rect) error) error {
	rects := Partition(m, n, p.Threads())
	return p.Run(len(rects), func(i int) error {
		return fn(rects[i])
	})
}

func protect(fn func(int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("worker %d panicked: %v", i, r)
		}
	}()
	return fn(i)
}
