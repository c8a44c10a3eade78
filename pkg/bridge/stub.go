//go:build unix

package bridge

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relaywire/asyncrpc/pkg/call"
)

// Stub invokes one registered call in the peer process. It runs the same
// argument binder as the network protocol, with the bridge's extra
// restriction that every value is an int or a string.
type Stub struct {
	bridge *Bridge
	code   uint32
	sig    call.Signature
}

func newStub(b *Bridge, code uint32, argc int) *Stub {
	sig := call.Variadic()
	if argc >= 0 {
		sig = call.Positional(argc)
	}
	return &Stub{
		bridge: b,
		code:   code,
		sig:    sig,
	}
}

// Call encodes the arguments and sends the request to the peer process.
// Arity and type violations are returned synchronously and nothing is
// sent.
func (s *Stub) Call(args ...any) error {
	bound, _, err := s.sig.Bind(args, nil)
	if err != nil {
		return err
	}
	for i, a := range bound {
		if err := call.CheckWireValue(a); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		if v, ok := a.(int); ok && (v > math.MaxInt32 || v < math.MinInt32) {
			return fmt.Errorf("argument %d overflows the wire integer: %w", i, call.ErrUnsupportedArgType)
		}
	}

	return s.bridge.ep.Send(encodeRequest(s.code, bound))
}

func encodeRequest(code uint32, args []any) []byte {
	size := headSize
	for _, a := range args {
		size += argSize
		if str, ok := a.(string); ok {
			size += len(str)
		}
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, code)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(args)))

	for _, a := range args {
		switch v := a.(type) {
		case int:
			buf = binary.BigEndian.AppendUint32(buf, tagInt)
			buf = binary.BigEndian.AppendUint32(buf, uint32(int32(v)))
		case string:
			buf = binary.BigEndian.AppendUint32(buf, tagString)
			buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(v))))
			buf = append(buf, v...)
		}
	}
	return buf
}
