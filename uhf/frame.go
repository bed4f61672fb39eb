package uhf

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout, requests and responses alike:
//
//	0     start byte 0xA5
//	1     command
//	2..3  payload length, big endian
//	4..   payload
//	last  xor of bytes 1..end of payload
//
// Response payloads always start with a two byte big endian status (a Code).
const (
	frameStart     = 0xA5
	frameHeaderLen = 4
	maxPayloadLen  = 512
)

const (
	CmdDeviceInfo        byte = 0x01
	CmdGetParams         byte = 0x02
	CmdSetParams         byte = 0x03
	CmdInventoryContinue byte = 0x10
	CmdGetTagUII         byte = 0x11
	CmdInventoryStop     byte = 0x12
)

type frame struct {
	cmd     byte
	payload []byte
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum ^= c
	}
	return sum
}

func encodeFrame(f frame) ([]byte, error) {
	if len(f.payload) > maxPayloadLen {
		return nil, fmt.Errorf("frame payload too large: %d", len(f.payload))
	}
	out := make([]byte, frameHeaderLen+len(f.payload)+1)
	out[0] = frameStart
	out[1] = f.cmd
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.payload)))
	copy(out[frameHeaderLen:], f.payload)
	out[len(out)-1] = checksum(out[1 : len(out)-1])
	return out, nil
}

func writeFrame(w io.Writer, f frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readFrame blocks until a whole frame is read. Bytes before a start byte are discarded
// so a reader that was mid-response when we attached can resync.
func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderLen]byte
	for {
		if _, err := io.ReadFull(r, header[:1]); err != nil {
			return frame{}, err
		}
		if header[0] == frameStart {
			break
		}
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return frame{}, err
	}
	n := int(binary.BigEndian.Uint16(header[2:4]))
	if n > maxPayloadLen {
		return frame{}, &Error{Op: "read frame", Code: CodeCRC, Err: fmt.Errorf("payload length %d exceeds %d", n, maxPayloadLen)}
	}
	body := make([]byte, n+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	want := checksum(append(header[1:], body[:n]...))
	if body[n] != want {
		return frame{}, &Error{Op: "read frame", Code: CodeCRC}
	}
	return frame{cmd: header[1], payload: body[:n]}, nil
}

// status splits a response payload into its code and data.
func (f frame) status() (Code, []byte) {
	if len(f.payload) < 2 {
		return CodeCRC, nil
	}
	return Code(int16(binary.BigEndian.Uint16(f.payload[:2]))), f.payload[2:]
}

func statusFrame(cmd byte, code Code, data ...byte) frame {
	payload := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, data...)
	return frame{cmd: cmd, payload: payload}
}
