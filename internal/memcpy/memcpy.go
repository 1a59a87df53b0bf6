// Package memcpy splits large frame copies across a fixed set of worker
// goroutines.
package memcpy

import (
	"runtime"
	"sync"
)

// minParallel is the smallest copy worth splitting.
const minParallel = 256 << 10

type span struct {
	dst, src []byte
}

type worker struct {
	start chan span
	done  chan struct{}
}

func (w *worker) run() {
	for s := range w.start {
		copy(s.dst, s.src)
		w.done <- struct{}{}
	}
}

// Copier owns the worker pool. Copy calls are serialized.
type Copier struct {
	mu      sync.Mutex
	workers []*worker
	once    sync.Once
	closed  bool
}

// New starts n workers. n <= 0 uses one per CPU.
func New(n int) *Copier {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	c := &Copier{workers: make([]*worker, n)}
	for i := range c.workers {
		w := &worker{
			start: make(chan span, 1),
			done:  make(chan struct{}, 1),
		}
		c.workers[i] = w
		go w.run()
	}
	return c
}

// Workers is the pool size.
func (c *Copier) Workers() int {
	return len(c.workers)
}

// Copy copies min(len(dst), len(src)) bytes and returns the count. Worker i
// copies [i*n/T, (i+1)*n/T).
func (c *Copier) Copy(dst, src []byte) int {
	n := min(len(dst), len(src))
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || n < minParallel || len(c.workers) == 1 {
		return copy(dst[:n], src[:n])
	}

	t := len(c.workers)
	for i, w := range c.workers {
		lo, hi := i*n/t, (i+1)*n/t
		w.start <- span{dst: dst[lo:hi], src: src[lo:hi]}
	}
	for _, w := range c.workers {
		<-w.done
	}
	return n
}

// Close stops the workers. Copy keeps working single-threaded afterwards.
func (c *Copier) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		for _, w := range c.workers {
			close(w.start)
		}
	})
}
