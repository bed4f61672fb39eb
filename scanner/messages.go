package scanner

import (
	"time"

	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

// ResultKind discriminates messages flowing from a worker to its reconciler.
type ResultKind uint8

const (
	// ResultBatch carries the tags seen in one inventory cycle.
	ResultBatch ResultKind = iota + 1
	// ResultIdle is the periodic null result of a cycle that saw nothing.
	ResultIdle
	// ResultStatus reports a change in the worker's connection.
	ResultStatus
)

type Status string

const (
	StatusConnected        Status = "connected"
	StatusConnectionFailed Status = "connection_failed"
	StatusFatal            Status = "fatal"
)

// Result is one message on a session's result channel.
type Result struct {
	Kind       ResultKind `json:"-" cbor:"1,keyasint"`
	DeviceID   string     `json:"deviceId" cbor:"2,keyasint"`
	LocationID int        `json:"locationId" cbor:"3,keyasint"`
	Tags       []string   `json:"tags" cbor:"4,keyasint,omitempty"`
	Timestamp  time.Time  `json:"timestamp" cbor:"5,keyasint"`
	Serial     string     `json:"serial" cbor:"6,keyasint,omitempty"`
	Status     Status     `json:"status,omitempty" cbor:"7,keyasint,omitempty"`
	Reason     string     `json:"reason,omitempty" cbor:"8,keyasint,omitempty"`
}

// CommandKind discriminates requests sent to a running worker.
type CommandKind uint8

const (
	CommandGetParams CommandKind = iota + 1
	CommandSetParam
)

func (k CommandKind) String() string {
	switch k {
	case CommandGetParams:
		return "get_params"
	case CommandSetParam:
		return "set_param"
	}
	return "unknown"
}

// Command is a request to a worker. Key and Value are only set for CommandSetParam.
type Command struct {
	ID    uint64      `cbor:"1,keyasint"`
	Kind  CommandKind `cbor:"2,keyasint"`
	Key   string      `cbor:"3,keyasint,omitempty"`
	Value string      `cbor:"4,keyasint,omitempty"`
}

func GetParams() Command {
	return Command{Kind: CommandGetParams}
}

func SetParam(key, value string) Command {
	return Command{Kind: CommandSetParam, Key: key, Value: value}
}

// ResponseKind discriminates a worker's answer.
type ResponseKind uint8

const (
	ResponseOK ResponseKind = iota + 1
	ResponseError
	ResponseTimeout
)

// Response answers the Command with the same ID.
type Response struct {
	ID     uint64       `cbor:"1,keyasint"`
	Kind   ResponseKind `cbor:"2,keyasint"`
	Params *uhf.Params  `cbor:"3,keyasint,omitempty"`
	Reason string       `cbor:"4,keyasint,omitempty"`
}

func okResponse(id uint64, p uhf.Params) Response {
	return Response{ID: id, Kind: ResponseOK, Params: &p}
}

func errorResponse(id uint64, reason string) Response {
	return Response{ID: id, Kind: ResponseError, Reason: reason}
}

// Config is everything a worker needs to run. It is the first frame sent to a worker
// process.
type Config struct {
	DeviceID         string         `cbor:"1,keyasint"`
	LocationID       int            `cbor:"2,keyasint"`
	Descriptor       uhf.Descriptor `cbor:"3,keyasint"`
	ScanInterval     time.Duration  `cbor:"4,keyasint"`
	DBUpdateInterval time.Duration  `cbor:"5,keyasint"`

	// Retry tuning, zero means the default.
	PortBusyBackoff time.Duration `cbor:"6,keyasint,omitempty"`
	SerialBackoff   time.Duration `cbor:"7,keyasint,omitempty"`
}

const (
	DefaultScanInterval     = 300 * time.Millisecond
	DefaultDBUpdateInterval = time.Second

	connectAttempts        = 3
	serialAttempts         = 3
	defaultPortBusyBackoff = 2 * time.Second
	defaultSerialBackoff   = time.Second
)

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.DBUpdateInterval <= 0 {
		c.DBUpdateInterval = DefaultDBUpdateInterval
	}
	if c.PortBusyBackoff <= 0 {
		c.PortBusyBackoff = defaultPortBusyBackoff
	}
	if c.SerialBackoff <= 0 {
		c.SerialBackoff = defaultSerialBackoff
	}
	return c
}
