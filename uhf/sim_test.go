package uhf

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// failingListener returns err from every Accept.
type failingListener struct {
	net.Listener
	err   error
	calls atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	return nil, l.err
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func runAcceptLoop(s *Simulator) chan struct{} {
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		s.acceptLoop()
		close(done)
	}()
	return done
}

func TestSimulatorAcceptBacksOff(t *testing.T) {
	l := &failingListener{err: errors.New("accept: too many open files")}
	s := NewSimulator("A1B2C3D4")
	s.listener = l
	done := runAcceptLoop(s)

	time.Sleep(100 * time.Millisecond)
	if n := l.calls.Load(); n > 10 {
		t.Errorf("accept retried %d times in 100ms", n)
	}
	s.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("accept loop kept running after Close")
	}
}

func TestSimulatorAcceptStopsOnClosedListener(t *testing.T) {
	l := &failingListener{err: net.ErrClosed}
	s := NewSimulator("A1B2C3D4")
	s.listener = l
	done := runAcceptLoop(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("accept loop kept running on a closed listener")
	}
	if n := l.calls.Load(); n != 1 {
		t.Errorf("accept called %d times want 1", n)
	}
}
