package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

// WorkerSubcommand is the argument that makes the binary run as a worker process.
const WorkerSubcommand = "worker"

const (
	killWait     = 2 * time.Second
	writeTimeout = 2 * time.Second
)

// ProcessSpawner runs each worker as a child process of this binary so that a wedged
// serial driver or a crash in one reader cannot take down the others.
type ProcessSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args are passed before WorkerSubcommand, e.g. global flags.
	Args []string
}

type pipeHandle struct {
	cfg     Config
	stdin   io.WriteCloser
	writer  *frameWriter
	results chan Result
	done    chan struct{}
	alive   atomic.Bool
	reqs    *requests
	kill    func() error
	// closed once the read loop has stopped delivering results
	readerDone chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
}

func (s *ProcessSpawner) Spawn(cfg Config) (Handle, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
	}
	args := append(append([]string{}, s.Args...), WorkerSubcommand)
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	logger.Info().Str("device", cfg.DeviceID).Int("pid", cmd.Process.Pid).Msg("worker process started")

	go logStderr(cfg.DeviceID, stderr)
	h := newPipeHandle(cfg, stdin, stdout, cmd.Process.Kill)
	go func() {
		defer internal.ReportPanicsToSentry()
		// Wait closes stdout, so let the read loop reach EOF first
		<-h.readerDone
		err := cmd.Wait()
		if err != nil {
			logger.Warn().Err(err).Str("device", cfg.DeviceID).Msg("worker process exited")
		} else {
			logger.Info().Str("device", cfg.DeviceID).Msg("worker process exited")
		}
		h.exited()
	}()
	if err := h.writer.write(envelope{Config: &cfg}); err != nil {
		h.Stop(0)
		return nil, fmt.Errorf("send worker config: %w", err)
	}
	return h, nil
}

// newPipeHandle wires a handle to a worker reachable over a pair of pipes. kill must
// terminate the worker; exited must be called once it has.
func newPipeHandle(cfg Config, stdin io.WriteCloser, stdout io.Reader, kill func() error) *pipeHandle {
	h := &pipeHandle{
		cfg:        cfg,
		stdin:      stdin,
		writer:     &frameWriter{w: stdin},
		results:    make(chan Result, resultBuffer),
		done:       make(chan struct{}),
		reqs:       newRequests(),
		kill:       kill,
		readerDone: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	h.alive.Store(true)
	go h.readLoop(stdout)
	return h
}

func (h *pipeHandle) readLoop(stdout io.Reader) {
	defer internal.ReportPanicsToSentry()
	defer close(h.readerDone)
	defer close(h.results)
	for {
		env, err := readEnvelope(stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn().Err(err).Str("device", h.cfg.DeviceID).Msg("worker stdout read failed")
			}
			return
		}
		switch {
		case env.Result != nil:
			// a full result buffer holds the worker back. Once stopped, results are
			// discarded but the pipe is still drained so the worker can exit.
			select {
			case h.results <- *env.Result:
			case <-h.stopped:
			}
		case env.Response != nil:
			if !h.reqs.deliver(*env.Response) {
				logger.Debug().Str("device", h.cfg.DeviceID).Uint64("id", env.Response.ID).Msg("dropping late response")
			}
		}
	}
}

func (h *pipeHandle) exited() {
	h.alive.Store(false)
	close(h.done)
}

func (h *pipeHandle) Results() <-chan Result { return h.results }
func (h *pipeHandle) Alive() bool            { return h.alive.Load() }
func (h *pipeHandle) Done() <-chan struct{}  { return h.done }

func (h *pipeHandle) Request(ctx context.Context, cmd Command) (Response, error) {
	return h.reqs.do(ctx, h.done, cmd, func(c Command) error {
		if !h.Alive() {
			return ErrWorkerExited
		}
		errCh := make(chan error, 1)
		go func() {
			errCh <- h.writer.write(envelope{Command: &c})
		}()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(writeTimeout):
			return context.DeadlineExceeded
		}
	})
}

// Stop closes the worker's stdin, which it treats as a shutdown request, then waits
// grace before killing it.
func (h *pipeHandle) Stop(grace time.Duration) error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.stdin.Close()
		select {
		case <-h.done:
			return
		case <-time.After(grace):
		}
		logger.Warn().Str("device", h.cfg.DeviceID).Dur("grace", grace).Msg("worker did not exit, killing")
		if kerr := h.kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill worker: %w", kerr)
		}
		select {
		case <-h.done:
		case <-time.After(killWait):
			err = errors.New("worker still running after kill")
		}
	})
	return err
}

func logStderr(deviceID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Info().Str("device", deviceID).Str("src", "worker").Msg(scanner.Text())
	}
}

// RunChild is the body of the worker subcommand. It reads its Config from stdin, runs
// the worker, and streams results and responses to stdout. EOF on stdin stops it.
func RunChild(ctx context.Context, stdin io.Reader, stdout io.Writer, open uhf.Opener) error {
	env, err := readEnvelope(stdin)
	if err != nil {
		return fmt.Errorf("read worker config: %w", err)
	}
	if env.Config == nil {
		return errors.New("first frame was not a worker config")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Result, resultBuffer)
	commands := make(chan Command, commandBuffer)
	responses := make(chan Response, commandBuffer)
	out := &frameWriter{w: stdout}

	go func() {
		defer cancel()
		for {
			env, err := readEnvelope(stdin)
			if err != nil {
				return
			}
			if env.Command == nil {
				continue
			}
			select {
			case commands <- *env.Command:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resultsIn, responsesIn := results, responses
		for resultsIn != nil || responsesIn != nil {
			var err error
			select {
			case r, ok := <-resultsIn:
				if !ok {
					resultsIn = nil
					continue
				}
				err = out.write(envelope{Result: &r})
			case resp, ok := <-responsesIn:
				if !ok {
					responsesIn = nil
					continue
				}
				err = out.write(envelope{Response: &resp})
			}
			if err != nil {
				cancel()
				return
			}
		}
	}()

	w := NewWorker(*env.Config, open)
	runErr := w.Run(ctx, Link{Results: results, Commands: commands, Responses: responses})
	close(results)
	close(responses)
	wg.Wait()
	return runErr
}
