// Package routines provides a goroutine pool with an unbounded work queue.
package routines

import "sync"

// Pool runs queued functions on a fixed number of goroutines.
// Queued work is executed in FIFO order, a pool of size 1 serializes all
// queued functions.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	wg       sync.WaitGroup
	waitOnce sync.Once
}

// NewPool creates a pool with routines goroutines and starts them.
func NewPool(routines uint) *Pool {
	p := Pool{}
	p.cond = sync.NewCond(&p.mu)

	for i := uint(0); i < routines; i++ {
		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			p.work()
		}()
	}

	return &p
}

func (p *Pool) work() {
	for {
		p.mu.Lock()

		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}

		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}

		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		fn()
	}
}

// Queue schedules fn for execution.
// It never blocks. Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		panic("Queue() called after Wait()")
	}

	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	p.cond.Signal()
}

// Wait stops the pool and blocks until all queued functions were executed.
// It can be called multiple times.
func (p *Pool) Wait() {
	p.waitOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cond.Broadcast()
	})

	p.wg.Wait()
}
