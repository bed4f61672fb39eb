package uhf

import (
	"errors"
	"fmt"
)

// Code is a reader status code. Zero is success, everything else is negative.
type Code int16

const (
	CodeOK             Code = 0
	CodeCRC            Code = -232
	CodeCommTimeout    Code = -233
	CodeParameter      Code = -236
	CodeNoTag          Code = -238
	CodeDisconnected   Code = -239
	CodeNoTagInField   Code = -241
	CodeEndOfInventory Code = -249
	CodeNoDevice       Code = -250
	CodePortBusy       Code = -254
	CodeInvalidHandle  Code = -255
)

var codeText = map[Code]string{
	CodeCRC:            "crc check failed",
	CodeCommTimeout:    "communication timeout",
	CodeParameter:      "invalid parameter",
	CodeNoTag:          "no tag",
	CodeDisconnected:   "device disconnected",
	CodeNoTagInField:   "no tag in field",
	CodeEndOfInventory: "end of inventory",
	CodeNoDevice:       "no valid device",
	CodePortBusy:       "port busy",
	CodeInvalidHandle:  "invalid handle",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return fmt.Sprintf("%s (%d)", s, int(c))
	}
	return fmt.Sprintf("unknown error (%d)", int(c))
}

// Error is a failed reader operation.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("uhf %s: %s: %s", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("uhf %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func codeOf(err error) (Code, bool) {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Code, true
	}
	return 0, false
}

// IsPortBusy reports whether the transport could not be opened because something else
// holds it. Connect retries these.
func IsPortBusy(err error) bool {
	c, ok := codeOf(err)
	return ok && c == CodePortBusy
}

// IsNoTag reports whether a read returned nothing this poll.
func IsNoTag(err error) bool {
	c, ok := codeOf(err)
	return ok && (c == CodeNoTag || c == CodeNoTagInField || c == CodeCommTimeout)
}

// IsEndOfInventory reports whether the reader finished the current inventory round.
func IsEndOfInventory(err error) bool {
	c, ok := codeOf(err)
	return ok && c == CodeEndOfInventory
}

// IsFatal reports whether the handle is unusable and the worker must stop.
func IsFatal(err error) bool {
	c, ok := codeOf(err)
	if !ok {
		return false
	}
	switch c {
	case CodeInvalidHandle, CodeParameter, CodeDisconnected, CodeNoDevice:
		return true
	}
	return false
}

// IsRecoverable reports whether the operation can be retried on the same handle.
func IsRecoverable(err error) bool {
	c, ok := codeOf(err)
	if !ok {
		return false
	}
	switch c {
	case CodeCRC, CodeCommTimeout, CodeNoTag, CodeNoTagInField, CodeEndOfInventory, CodePortBusy:
		return true
	}
	return false
}
