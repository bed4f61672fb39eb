package uhf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Params is the reader's device parameter block.
type Params struct {
	WorkMode   int `json:"WORKMODE" cbor:"1,keyasint"`
	Region     int `json:"REGION" cbor:"2,keyasint"`
	RFPower    int `json:"RFIDPOWER" cbor:"3,keyasint"`
	Antenna    int `json:"ANT" cbor:"4,keyasint"`
	QValue     int `json:"QVALUE" cbor:"5,keyasint"`
	Session    int `json:"SESSION" cbor:"6,keyasint"`
	Interface  int `json:"INTERFACE" cbor:"7,keyasint"`
	BaudRate   int `json:"BAUDRATE" cbor:"8,keyasint"`
	FilterTime int `json:"FILTERTIME" cbor:"9,keyasint"`
	BuzzerTime int `json:"BUZZERTIME" cbor:"10,keyasint"`
}

const paramsLen = 10

func (p Params) encode() []byte {
	return []byte{
		byte(p.WorkMode), byte(p.Region), byte(p.RFPower), byte(p.Antenna), byte(p.QValue),
		byte(p.Session), byte(p.Interface), byte(p.BaudRate), byte(p.FilterTime), byte(p.BuzzerTime),
	}
}

func decodeParams(b []byte) (Params, error) {
	if len(b) < paramsLen {
		return Params{}, fmt.Errorf("short params block: %d bytes", len(b))
	}
	return Params{
		WorkMode:   int(b[0]),
		Region:     int(b[1]),
		RFPower:    int(b[2]),
		Antenna:    int(b[3]),
		QValue:     int(b[4]),
		Session:    int(b[5]),
		Interface:  int(b[6]),
		BaudRate:   int(b[7]),
		FilterTime: int(b[8]),
		BuzzerTime: int(b[9]),
	}, nil
}

// BaudCodes maps serial speeds to the reader's BAUDRATE parameter encoding.
var BaudCodes = map[int]int{
	9600:   0,
	19200:  1,
	38400:  2,
	57600:  3,
	115200: 4,
}

// BaudFromCode is the inverse of BaudCodes. Unknown codes return 0.
func BaudFromCode(code int) int {
	for baud, c := range BaudCodes {
		if c == code {
			return baud
		}
	}
	return 0
}

// Writable parameter keys accepted by SetParam.
const (
	KeyWorkMode = "WorkMode"
	KeyFreqBand = "FreqBand"
	KeyRfPower  = "RfPower"
	KeyAntenna  = "ANT"
	KeyQValue   = "QValue"
	KeySession  = "Session"
)

var ErrInvalidParam = errors.New("invalid parameter")

type paramRule struct {
	min, max int
	allowHex bool
	set      func(p *Params, v int)
	msg      string
}

var paramRules = map[string]paramRule{
	KeyWorkMode: {0, 2, false, func(p *Params, v int) { p.WorkMode = v }, "Work Mode must be 0 (Answer), 1 (Active), or 2 (Trigger)"},
	KeyFreqBand: {0, 255, true, func(p *Params, v int) { p.Region = v }, "FreqBand (region) must be 0-255 or hex like 0x80"},
	KeyRfPower:  {0, 33, false, func(p *Params, v int) { p.RFPower = v }, "RF Power must be between 0-33 dBm"},
	KeyAntenna:  {1, 16, false, func(p *Params, v int) { p.Antenna = v }, "Antenna count must be between 1-16"},
	KeyQValue:   {0, 15, false, func(p *Params, v int) { p.QValue = v }, "Q-Value must be between 0-15"},
	KeySession:  {0, 3, false, func(p *Params, v int) { p.Session = v }, "Session must be between 0-3"},
}

// ParseParam validates a key/value pair from the control surface.
func ParseParam(key, value string) (int, error) {
	rule, ok := paramRules[key]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported parameter %q", ErrInvalidParam, key)
	}
	base := 10
	if rule.allowHex {
		if hex, ok := cutHexPrefix(value); ok {
			value, base = hex, 16
		}
	}
	v, err := strconv.ParseInt(value, base, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value format for %s", ErrInvalidParam, key)
	}
	if int(v) < rule.min || int(v) > rule.max {
		return 0, fmt.Errorf("%w: %s", ErrInvalidParam, rule.msg)
	}
	return int(v), nil
}

// cutHexPrefix strips a 0x or 0X prefix. Other prefixes are left for base 10 to reject.
func cutHexPrefix(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return rest, true
	}
	return strings.CutPrefix(s, "0X")
}

// Apply returns a copy of p with key set to value. The value must already be validated.
func (p Params) Apply(key string, value int) Params {
	if rule, ok := paramRules[key]; ok {
		rule.set(&p, value)
	}
	return p
}
