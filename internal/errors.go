package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is returned by the control surface. StatusCode is the HTTP status the
// error maps to, Code is a short machine readable reason e.g "already_connected".
type HandlerError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err  string `json:"error"`
	Code string `json:"code,omitempty"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{
		Err:  e.Err.Error(),
		Code: e.Code,
	}
	b, _ := json.Marshal(je)
	return b
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and RFID_DEBUG=1 then the program panics.
// If expr is false and RFID_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the tracker, e.g "a device has at most one session". It shouldn't be used for hardware or
// network errors, which are expected.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("session location is known", ok)
//
// Which then produces:
//
//	assertion failed: session location is known
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("RFID_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
