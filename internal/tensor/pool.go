package tensor

import (
	"runtime"
	"sync/atomic"
)

type poolTask struct {
	fn     func(i int)
	rs, re int
	done   chan struct{}
}

// Pool is a fixed set of worker goroutines that split index ranges between
// them. It backs the per-sample and per-head loops that are too small for
// BLAS to parallelise on its own.
//
// A function passed to Run must not call Run on the same pool.
type Pool struct {
	size      int
	tasks     chan poolTask
	doneSlots chan chan struct{}
}

// NewPool starts size workers. size <= 0 uses GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:      size,
		tasks:     make(chan poolTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				for i := task.rs; i < task.re; i++ {
					task.fn(i)
				}
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Run calls fn(i) for every i in [0, n), spreading contiguous chunks over the
// workers, and returns once all calls have finished.
func (p *Pool) Run(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := min(p.size, n)
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	sent := 0
	for rs := 0; rs < n; rs += chunk {
		p.tasks <- poolTask{fn: fn, rs: rs, re: min(rs+chunk, n), done: done}
		sent++
	}
	for i := 0; i < sent; i++ {
		<-done
	}
	p.doneSlots <- done
}

var defaultPool atomic.Pointer[Pool]

func init() {
	defaultPool.Store(NewPool(0))
}

// SetWorkers replaces the shared pool used by Parallel. Call it during
// startup, before any model work is in flight.
func SetWorkers(n int) {
	defaultPool.Store(NewPool(n))
}

// Workers returns the size of the shared pool.
func Workers() int {
	return defaultPool.Load().Size()
}

// Parallel runs fn over [0, n) on the shared pool.
func Parallel(n int, fn func(i int)) {
	defaultPool.Load().Run(n, fn)
}
