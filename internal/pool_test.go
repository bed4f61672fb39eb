package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Test basic functions of WorkerPool
func TestWorkerPool(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// we should process this concurrently as N=2 so it should take 1s not 2s
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wg.Wait()
	took := time.Since(start)
	if took > 2*time.Second {
		t.Fatalf("took %v for queued work, it should have been faster than 2s", took)
	}
}

func TestWorkerPoolDoesWorkPriorToStart(t *testing.T) {
	wp := NewWorkerPool(2)

	ch := make(chan int, 2)
	wp.Queue(func() {
		ch <- 1
	})
	wp.Queue(func() {
		ch <- 2
	})

	time.Sleep(100 * time.Millisecond)
	if len(ch) > 0 {
		t.Fatalf("Queued work was done before Start()")
	}

	wp.Start()
	defer wp.Stop()

	sum := 0
	for sum != 3 {
		select {
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for work to be done")
		case val := <-ch:
			sum += val
		}
	}
}

func TestWorkerPoolStopAndWait(t *testing.T) {
	wp := NewWorkerPool(3)
	wp.Start()
	var done int32
	for i := 0; i < 6; i++ {
		wp.Queue(func() {
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}
	wp.StopAndWait()
	if got := atomic.LoadInt32(&done); got != 6 {
		t.Fatalf("StopAndWait returned with %d/6 work done", got)
	}
}
