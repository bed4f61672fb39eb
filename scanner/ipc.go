package scanner

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Frames between supervisor and worker process are a 4 byte big endian length followed
// by a CBOR encoded envelope. Exactly one envelope field is set.
type envelope struct {
	Config   *Config   `cbor:"1,keyasint,omitempty"`
	Result   *Result   `cbor:"2,keyasint,omitempty"`
	Command  *Command  `cbor:"3,keyasint,omitempty"`
	Response *Response `cbor:"4,keyasint,omitempty"`
}

const maxFrameSize = 1 << 20

// frameWriter serialises concurrent writers onto one pipe.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(env envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readEnvelope(r io.Reader) (envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}
