package netrpc

import (
	"encoding/binary"
	"errors"
	"math"
)

// Frame layout: a 2-byte big-endian payload length, the payload, then the
// magic trailer. The trailer doubles as the resync anchor after a corrupted
// length field.
const (
	headerSize  = 2
	maxFrameLen = math.MaxUint16
)

var (
	magic = []byte("#42!")
	eol   = []byte("\r\n")
)

var ErrFrameTooLarge = errors.New("frame payload exceeds 65535 bytes")

func buildFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLen {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, headerSize+len(payload)+len(magic))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[headerSize:], payload)
	copy(frame[headerSize+len(payload):], magic)
	return frame, nil
}
