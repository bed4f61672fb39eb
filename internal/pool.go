package internal

import "sync"

// WorkerPool runs queued work on a fixed number of goroutines.
type WorkerPool struct {
	N  int
	ch chan func()
	wg sync.WaitGroup
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// For reader start up N bounds how many serial ports / sockets are opened at once: opening
// every configured reader simultaneously tends to trip port-busy errors on shared USB hubs.
// If more than N work is requested, WorkerPool.Queue will block until some work is done.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// N in flight plus N buffered before the producer is held back
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// StopAndWait stops the pool and blocks until all queued work has finished.
func (wp *WorkerPool) StopAndWait() {
	wp.Stop()
	wp.wg.Wait()
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// worker impl
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
