package swirl

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// workerPool is a fixed-size pool of goroutines that accept closures for
// background execution. It is swirl's analogue of the threadpool crate's
// ThreadPool in the original Rust runner, built on golang.org/x/sync's
// weighted semaphore for slot accounting since the standard library has no
// bounded goroutine pool of its own.
type workerPool struct {
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	panicCount int64
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// execute enqueues a task for background execution and returns immediately
// without waiting for it to start or finish, matching spec.md's "does not
// wait for completion" contract for the dispatcher. Concurrency is capped
// at the pool's size by a semaphore acquired inside the task's own
// goroutine, not at submission time, so a burst of submissions queues
// rather than blocking the caller. Every task runs behind the panic
// firewall: a task that panics increments panicCount instead of taking the
// pool down with it.
func (p *workerPool) execute(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		err := runFirewalled(func() error {
			task()
			return nil
		})
		if err != nil {
			atomic.AddInt64(&p.panicCount, 1)
		}
	}()
}

// join blocks the caller until all outstanding tasks have completed.
func (p *workerPool) join() {
	p.wg.Wait()
}

// panicCountValue reports how many tasks propagated an abnormal termination
// past the firewall. It should be 0 in correct operation.
func (p *workerPool) panicCountValue() int64 {
	return atomic.LoadInt64(&p.panicCount)
}
