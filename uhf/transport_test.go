package uhf

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"
)

var errPortTimeout = errors.New("serial: timeout")

// silentPort accepts writes and times out reads, like a reader that never answers. After
// lead timeouts it hands out pending chunks, if any.
type silentPort struct {
	lead    int
	pending [][]byte
}

func (p *silentPort) Read(b []byte) (int, error) {
	if p.lead <= 0 && len(p.pending) > 0 {
		n := copy(b, p.pending[0])
		p.pending = p.pending[1:]
		return n, nil
	}
	p.lead--
	time.Sleep(serialReadTimeout)
	return 0, errPortTimeout
}

func (p *silentPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *silentPort) Close() error                { return nil }

func TestSerialPortDeadline(t *testing.T) {
	port := &serialPort{ReadWriteCloser: &silentPort{}}
	port.SetDeadline(time.Now().Add(30 * time.Millisecond))
	start := time.Now()
	_, err := port.Read(make([]byte, 4))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read got %v want ErrDeadlineExceeded", err)
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Errorf("Read returned after %v", took)
	}

	t.Log("Without a deadline the port timeout is passed through.")
	port.SetDeadline(time.Time{})
	if _, err := port.Read(make([]byte, 4)); !errors.Is(err, errPortTimeout) {
		t.Errorf("Read got %v", err)
	}
}

func TestSerialPortWaitsForLateBytes(t *testing.T) {
	port := &serialPort{ReadWriteCloser: &silentPort{lead: 3, pending: [][]byte{{0xAA, 0x01}}}}
	port.SetDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4)
	n, err := port.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{0xAA, 0x01}) {
		t.Fatalf("Read got %x, %v", buf[:n], err)
	}
}

func TestSerialReadTagTimeout(t *testing.T) {
	c := NewClient(&serialPort{ReadWriteCloser: &silentPort{}})
	start := time.Now()
	_, err := c.ReadTag(20 * time.Millisecond)
	took := time.Since(start)
	if !IsNoTag(err) {
		t.Fatalf("ReadTag on a silent reader got %v", err)
	}
	if took > 20*time.Millisecond+transportSlack+200*time.Millisecond {
		t.Errorf("ReadTag(20ms) took %v", took)
	}
}
