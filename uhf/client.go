package uhf

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Reader is one open reader handle. Implementations are not safe for concurrent use by
// more than one scan loop; Client serialises calls anyway.
type Reader interface {
	// DeviceSerial reads the hardware serial number as uppercase hex.
	DeviceSerial() (string, error)
	Params() (Params, error)
	SetParams(p Params) error
	// InventoryContinue starts a continuous inventory round.
	InventoryContinue() error
	// ReadTag waits up to timeout for the next tag of the current round.
	ReadTag(timeout time.Duration) (Tag, error)
	InventoryStop(timeout time.Duration) error
	Close() error
}

// Tag is a single read.
type Tag struct {
	Antenna int
	UII     []byte
}

// Code returns the tag identifier as uppercase hex.
func (t Tag) Code() string {
	return strings.ToUpper(hex.EncodeToString(t.UII))
}

// transportSlack is added to device side timeouts when waiting on the wire.
const transportSlack = 250 * time.Millisecond

// Client speaks the reader frame protocol over a serial port or TCP connection.
type Client struct {
	mu sync.Mutex
	rw io.ReadWriteCloser
}

func NewClient(rw io.ReadWriteCloser) *Client {
	return &Client{rw: rw}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (c *Client) call(op string, cmd byte, payload []byte, wait time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rw == nil {
		return nil, &Error{Op: op, Code: CodeInvalidHandle}
	}
	if d, ok := c.rw.(deadliner); ok {
		d.SetDeadline(time.Now().Add(wait + transportSlack))
	}
	if err := writeFrame(c.rw, frame{cmd: cmd, payload: payload}); err != nil {
		return nil, c.ioError(op, err)
	}
	for {
		resp, err := readFrame(c.rw)
		if err != nil {
			return nil, c.ioError(op, err)
		}
		if resp.cmd != cmd {
			// late answer to an earlier command that timed out on our side
			continue
		}
		code, data := resp.status()
		if code != CodeOK {
			return data, &Error{Op: op, Code: code}
		}
		return data, nil
	}
}

func (c *Client) ioError(op string, err error) error {
	var uerr *Error
	if errors.As(err, &uerr) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) || isSerialTimeout(err) {
		return &Error{Op: op, Code: CodeCommTimeout, Err: err}
	}
	return &Error{Op: op, Code: CodeDisconnected, Err: err}
}

// goburrow/serial reports read timeouts as serial.ErrTimeout on every platform
func isSerialTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "timeout")
}

func (c *Client) DeviceSerial() (string, error) {
	data, err := c.call("device info", CmdDeviceInfo, nil, time.Second)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", &Error{Op: "device info", Code: CodeNoDevice}
	}
	return strings.ToUpper(hex.EncodeToString(data)), nil
}

func (c *Client) Params() (Params, error) {
	data, err := c.call("get params", CmdGetParams, nil, time.Second)
	if err != nil {
		return Params{}, err
	}
	p, err := decodeParams(data)
	if err != nil {
		return Params{}, &Error{Op: "get params", Code: CodeCRC, Err: err}
	}
	return p, nil
}

func (c *Client) SetParams(p Params) error {
	_, err := c.call("set params", CmdSetParams, p.encode(), time.Second)
	return err
}

func (c *Client) InventoryContinue() error {
	_, err := c.call("inventory continue", CmdInventoryContinue, nil, time.Second)
	return err
}

func (c *Client) ReadTag(timeout time.Duration) (Tag, error) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(timeout.Milliseconds()))
	data, err := c.call("get tag uii", CmdGetTagUII, payload, timeout)
	if err != nil {
		return Tag{}, err
	}
	if len(data) < 2 || len(data) < 2+int(data[1]) {
		return Tag{}, &Error{Op: "get tag uii", Code: CodeCRC, Err: fmt.Errorf("short tag record: %d bytes", len(data))}
	}
	uii := make([]byte, data[1])
	copy(uii, data[2:])
	return Tag{Antenna: int(data[0]), UII: uii}, nil
}

func (c *Client) InventoryStop(timeout time.Duration) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(timeout.Milliseconds()))
	_, err := c.call("inventory stop", CmdInventoryStop, payload, timeout)
	if IsEndOfInventory(err) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rw == nil {
		return nil
	}
	err := c.rw.Close()
	c.rw = nil
	return err
}
