package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

const (
	resultBuffer  = 64
	commandBuffer = 4
)

var ErrWorkerExited = errors.New("worker has exited")

// Handle is the supervisor's side of one running worker.
type Handle interface {
	// Results delivers batches and status messages in the order the worker produced them.
	// It is closed once the worker has exited and everything it sent has been delivered.
	Results() <-chan Result
	// Request sends cmd and waits for its answer. When ctx expires first the answer is a
	// ResponseTimeout; the worker keeps running.
	Request(ctx context.Context, cmd Command) (Response, error)
	Alive() bool
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Stop asks the worker to exit, waits up to grace, then force-terminates it.
	Stop(grace time.Duration) error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(cfg Config) (Handle, error)
}

// requests correlates commands with responses by ID. Late responses are dropped.
type requests struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]chan Response
}

func newRequests() *requests {
	return &requests{waiters: make(map[uint64]chan Response)}
}

func (r *requests) register() (uint64, chan Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ch := make(chan Response, 1)
	r.waiters[r.nextID] = ch
	return r.nextID, ch
}

func (r *requests) forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, id)
}

func (r *requests) deliver(resp Response) bool {
	r.mu.Lock()
	ch, ok := r.waiters[resp.ID]
	delete(r.waiters, resp.ID)
	r.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// do runs one request. send must not block past ctx.
func (r *requests) do(ctx context.Context, done <-chan struct{}, cmd Command, send func(Command) error) (Response, error) {
	id, ch := r.register()
	defer r.forget(id)
	cmd.ID = id
	if err := send(cmd); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{ID: id, Kind: ResponseTimeout}, nil
		}
		return Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{ID: id, Kind: ResponseTimeout}, nil
	case <-done:
		return Response{}, ErrWorkerExited
	}
}

// InProcessSpawner runs workers as goroutines. Used by tests and single-reader setups
// where process isolation is not wanted.
type InProcessSpawner struct {
	Open uhf.Opener
}

type inProcessHandle struct {
	cancel    context.CancelFunc
	results   chan Result
	commands  chan Command
	responses chan Response
	done      chan struct{}
	alive     atomic.Bool
	reqs      *requests
}

func (s *InProcessSpawner) Spawn(cfg Config) (Handle, error) {
	return startInProcess(NewWorker(cfg, s.Open)), nil
}

func startInProcess(w *Worker) *inProcessHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &inProcessHandle{
		cancel:    cancel,
		results:   make(chan Result, resultBuffer),
		commands:  make(chan Command, commandBuffer),
		responses: make(chan Response, commandBuffer),
		done:      make(chan struct{}),
		reqs:      newRequests(),
	}
	h.alive.Store(true)
	go func() {
		for {
			select {
			case resp := <-h.responses:
				h.reqs.deliver(resp)
			case <-h.done:
				return
			}
		}
	}()
	go func() {
		defer close(h.done)
		defer close(h.results)
		defer h.alive.Store(false)
		w.Run(ctx, Link{Results: h.results, Commands: h.commands, Responses: h.responses})
	}()
	return h
}

func (h *inProcessHandle) Results() <-chan Result { return h.results }
func (h *inProcessHandle) Alive() bool            { return h.alive.Load() }
func (h *inProcessHandle) Done() <-chan struct{}  { return h.done }

func (h *inProcessHandle) Request(ctx context.Context, cmd Command) (Response, error) {
	return h.reqs.do(ctx, h.done, cmd, func(c Command) error {
		select {
		case h.commands <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return ErrWorkerExited
		}
	})
}

func (h *inProcessHandle) Stop(grace time.Duration) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return errors.New("in-process worker did not exit within grace period")
	}
}
