//go:build unix

package bridge

import (
	"encoding/binary"
)

// Wire format: a request header of two big-endian uint32s (call code,
// argument count), then that many argument records. A record is a 4-byte
// tag and a 4-byte signed value; tag 1 carries the integer in the value,
// tag 0 carries the byte length of a string payload that follows.
const (
	headSize = 8
	argSize  = 8

	tagString = 0
	tagInt    = 1
)

type request struct {
	code uint32
	args []any
}

type header struct {
	code uint32
	argc uint32
}

// parser accumulates stream bytes and yields complete call requests. It
// never blocks: when the buffer runs short mid-unit the partial state is
// kept for the next feed.
type parser struct {
	stream []byte

	head *header
	args []any

	// partial string argument
	strPending bool
	strTarget  int
	strBuf     []byte

	// set when a record declares a negative string length; the stream
	// cannot be trusted past that point
	corrupt bool
}

func (p *parser) feed(data []byte) {
	p.stream = append(p.stream, data...)
}

// next returns the next complete request, or ok == false when the buffered
// bytes do not complete one.
func (p *parser) next() (request, bool) {
	if p.corrupt {
		return request{}, false
	}

	if p.head == nil {
		if len(p.stream) < headSize {
			return request{}, false
		}
		p.head = &header{
			code: binary.BigEndian.Uint32(p.stream[0:4]),
			argc: binary.BigEndian.Uint32(p.stream[4:8]),
		}
		p.stream = p.stream[headSize:]
	}

	for {
		if len(p.args) == int(p.head.argc) {
			req := request{code: p.head.code, args: p.args}
			p.head = nil
			p.args = nil
			return req, true
		}

		if p.strPending {
			take := p.strTarget - len(p.strBuf)
			if take > len(p.stream) {
				take = len(p.stream)
			}
			p.strBuf = append(p.strBuf, p.stream[:take]...)
			p.stream = p.stream[take:]

			if len(p.strBuf) < p.strTarget {
				return request{}, false
			}
			p.args = append(p.args, string(p.strBuf))
			p.strPending = false
			p.strBuf = nil
			continue
		}

		if len(p.stream) < argSize {
			return request{}, false
		}
		tag := binary.BigEndian.Uint32(p.stream[0:4])
		value := int32(binary.BigEndian.Uint32(p.stream[4:8]))
		p.stream = p.stream[argSize:]

		switch tag {
		case tagInt:
			p.args = append(p.args, int(value))
		case tagString:
			if value < 0 {
				p.corrupt = true
				return request{}, false
			}
			p.strPending = true
			p.strTarget = int(value)
			p.strBuf = []byte{}
		default:
			p.corrupt = true
			return request{}, false
		}
	}
}
