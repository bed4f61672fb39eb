package uhf

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goburrow/serial"
)

const (
	TransportSerial  = "com"
	TransportNetwork = "network"
)

// NetworkDialTimeout bounds opening a reader over TCP.
const NetworkDialTimeout = 5 * time.Second

// Descriptor says how to reach a reader. Address is "PORT@BAUD" for serial readers and
// "HOST:PORT" for network readers.
type Descriptor struct {
	Transport string `json:"connection_type" yaml:"connection_type" cbor:"1,keyasint"`
	Address   string `json:"connection_info" yaml:"connection_info" cbor:"2,keyasint"`
}

func (d Descriptor) String() string {
	return d.Transport + "://" + d.Address
}

// SerialAddress splits a serial descriptor into port and baud rate.
func (d Descriptor) SerialAddress() (port string, baud int, err error) {
	port, baudStr, ok := strings.Cut(d.Address, "@")
	if !ok || port == "" {
		return "", 0, fmt.Errorf("serial address %q must look like PORT@BAUD", d.Address)
	}
	baud, err = strconv.Atoi(baudStr)
	if err != nil {
		return "", 0, fmt.Errorf("serial address %q: bad baud rate: %w", d.Address, err)
	}
	if _, ok := BaudCodes[baud]; !ok {
		return "", 0, fmt.Errorf("serial address %q: unsupported baud rate %d", d.Address, baud)
	}
	return port, baud, nil
}

// Validate checks the descriptor without touching hardware.
func (d Descriptor) Validate() error {
	switch d.Transport {
	case TransportSerial:
		_, _, err := d.SerialAddress()
		return err
	case TransportNetwork:
		if _, _, err := net.SplitHostPort(d.Address); err != nil {
			return fmt.Errorf("network address %q: %w", d.Address, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
}

// Opener opens a Reader. Workers take one so tests can substitute fakes.
type Opener func(d Descriptor) (Reader, error)

// Open is the production Opener.
func Open(d Descriptor) (Reader, error) {
	if err := d.Validate(); err != nil {
		return nil, &Error{Op: "open", Code: CodeParameter, Err: err}
	}
	var (
		rw  io.ReadWriteCloser
		err error
	)
	switch d.Transport {
	case TransportSerial:
		rw, err = openSerial(d)
	case TransportNetwork:
		rw, err = openNetwork(d)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(rw), nil
}

func openSerial(d Descriptor) (io.ReadWriteCloser, error) {
	port, baud, _ := d.SerialAddress()
	p, err := serial.Open(&serial.Config{
		Address:  port,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  serialReadTimeout,
	})
	if err != nil {
		code := CodeNoDevice
		if errors.Is(err, syscall.EBUSY) || strings.Contains(strings.ToLower(err.Error()), "busy") ||
			strings.Contains(strings.ToLower(err.Error()), "access is denied") {
			code = CodePortBusy
		}
		return nil, &Error{Op: "open serial " + port, Code: code, Err: err}
	}
	return &serialPort{ReadWriteCloser: p}, nil
}

// serialReadTimeout is the port level read timeout. Call deadlines are enforced by
// serialPort on top of it, so it only bounds how late a deadline can be noticed.
const serialReadTimeout = 10 * time.Millisecond

// serialPort gives a serial port the deadline behaviour of a net.Conn.
type serialPort struct {
	io.ReadWriteCloser
	deadline time.Time
}

func (p *serialPort) SetDeadline(t time.Time) error {
	p.deadline = t
	return nil
}

func (p *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := p.ReadWriteCloser.Read(b)
		if n > 0 || (err != nil && !isSerialTimeout(err)) {
			return n, err
		}
		if p.deadline.IsZero() {
			return n, err
		}
		if !time.Now().Before(p.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func openNetwork(d Descriptor) (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("tcp", d.Address, NetworkDialTimeout)
	if err != nil {
		return nil, &Error{Op: "open network " + d.Address, Code: CodeNoDevice, Err: err}
	}
	return conn, nil
}
