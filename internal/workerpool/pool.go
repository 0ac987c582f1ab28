// Package workerpool provides the bounded threadpool the packet processor
// (C5) dispatches non-ordering-sensitive packet handlers onto, per
// spec.md §4.5 and §5: "a fixed-size worker pool for packet processing."
// Grounded on the ants usage declared in the chenquan-lighthouse go.mod.
package workerpool

import "github.com/panjf2000/ants/v2"

// Pool wraps an ants.Pool, giving callers a narrow Submit surface instead
// of the full ants API.
type Pool struct {
	pool *ants.Pool
}

// New creates a pool with the given worker capacity. A non-positive size
// falls back to ants' default (unbounded-growth) pool size.
func New(size int) (*Pool, error) {
	opts := []ants.Option{ants.WithNonblocking(false)}
	p, err := ants.NewPool(size, opts...)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p}, nil
}

// Submit queues job to run on a pool worker. It blocks if every worker is
// busy and the queue is full, matching §5's "threadpool spawn when the
// queue is full" suspension point.
func (p *Pool) Submit(job func()) error {
	return p.pool.Submit(job)
}

// Running reports the number of workers currently executing a job.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release closes the pool so it accepts no new jobs, for use during broker
// shutdown. It does not wait for jobs that are already running.
func (p *Pool) Release() {
	p.pool.Release()
}
