// Package workerpool runs a fixed set of workers over an ordered work queue.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
)

const TotalMaxWorkers = 10

// JobFunc processes the item at position idx of the submitted slice.
// It must handle its own failures; the pool never stops on a job result.
type JobFunc[T any] func(ctx context.Context, idx int, item T)

// Pool bounds the number of concurrently running jobs.
type Pool[T any] struct {
	maxWorkers    int
	activeWorkers int32
	peakWorkers   int32
	logger        lg.Logger
}

func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &Pool[T]{maxWorkers: maxWorkers, logger: logger}
}

// Run starts min(maxWorkers, len(items)) workers that pull items in FIFO
// order until the queue drains or ctx is cancelled, and blocks until every
// worker has returned. It reports which indices were never pulled.
func (p *Pool[T]) Run(ctx context.Context, items []T, fn JobFunc[T]) (skipped []int) {
	q := newQueue(items)
	workers := min(p.maxWorkers, len(items))

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			p.work(ctx, w, q, fn)
			return nil
		})
	}
	_ = g.Wait()
	return q.remaining()
}

func (p *Pool[T]) work(ctx context.Context, id int, q *queue[T], fn JobFunc[T]) {
	logger := p.logger.With(lg.Int("worker", id))
	for {
		// cancellation is observed before pulling, never mid-job
		if ctx.Err() != nil {
			logger.Debug("worker stopping, run cancelled")
			return
		}
		idx, item, ok := q.pop()
		if !ok {
			return
		}
		p.enter()
		fn(ctx, idx, item)
		atomic.AddInt32(&p.activeWorkers, -1)
	}
}

func (p *Pool[T]) enter() {
	n := atomic.AddInt32(&p.activeWorkers, 1)
	for {
		peak := atomic.LoadInt32(&p.peakWorkers)
		if n <= peak || atomic.CompareAndSwapInt32(&p.peakWorkers, peak, n) {
			return
		}
	}
}

func (p *Pool[T]) active() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

// PeakWorkers is the highest number of jobs observed running at once.
func (p *Pool[T]) PeakWorkers() int32 {
	return atomic.LoadInt32(&p.peakWorkers)
}

// queue is the shared FIFO; each pop is a single critical section.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
}

func newQueue[T any](items []T) *queue[T] {
	return &queue[T]{items: items}
}

func (q *queue[T]) pop() (int, T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.next >= len(q.items) {
		return -1, zero, false
	}
	idx := q.next
	q.next++
	return idx, q.items[idx], true
}

func (q *queue[T]) remaining() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int
	for i := q.next; i < len(q.items); i++ {
		out = append(out, i)
	}
	return out
}
