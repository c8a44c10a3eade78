// Package wire encodes and decodes the network RPC call payload. The value
// model is deliberately closed: integers, strings, booleans, sequences,
// string-keyed mappings and the absent-value marker (nil). Anything else is
// rejected on both encode and decode, so a peer can never materialize an
// arbitrary type on this side of the connection.
//
// The encoding itself is CBOR and is opaque to callers.
package wire

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrBadValue   = errors.New("value outside the wire model")
	ErrBadPayload = errors.New("malformed call payload")
)

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// IsAbsent reports whether v is the absent-value marker.
func IsAbsent(v any) bool {
	return v == nil
}

// EncodeCall encodes the (index, args, kwargs) triple carried by every
// frame. Values are normalized into the closed model first; unsupported
// values fail with ErrBadValue.
func EncodeCall(index int, args []any, kwargs map[string]any) ([]byte, error) {
	normArgs := make([]any, len(args))
	for i, a := range args {
		v, err := Normalize(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		normArgs[i] = v
	}

	normKwargs := make(map[string]any, len(kwargs))
	for k, a := range kwargs {
		v, err := Normalize(a)
		if err != nil {
			return nil, fmt.Errorf("keyword argument %s: %w", k, err)
		}
		normKwargs[k] = v
	}

	return cbor.Marshal([]any{int64(index), normArgs, normKwargs})
}

// DecodeCall decodes and validates one frame payload. The args sequence and
// kwargs mapping tolerate the absent marker in place of an empty collection.
func DecodeCall(data []byte) (int, []any, map[string]any, error) {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	triple, ok := raw.([]any)
	if !ok || len(triple) != 3 {
		return 0, nil, nil, fmt.Errorf("%w: expected a 3-element sequence", ErrBadPayload)
	}

	idx, err := Normalize(triple[0])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: bad call index", ErrBadPayload)
	}
	index, ok := idx.(int64)
	if !ok || index < 0 {
		return 0, nil, nil, fmt.Errorf("%w: bad call index", ErrBadPayload)
	}

	var args []any
	if !IsAbsent(triple[1]) {
		seq, ok := triple[1].([]any)
		if !ok {
			return 0, nil, nil, fmt.Errorf("%w: arguments are not a sequence", ErrBadPayload)
		}
		args = make([]any, len(seq))
		for i, a := range seq {
			v, err := Normalize(a)
			if err != nil {
				return 0, nil, nil, fmt.Errorf("%w: argument %d", ErrBadPayload, i)
			}
			args[i] = v
		}
	}

	var kwargs map[string]any
	if !IsAbsent(triple[2]) {
		m, ok := triple[2].(map[string]any)
		if !ok {
			return 0, nil, nil, fmt.Errorf("%w: keyword arguments are not a mapping", ErrBadPayload)
		}
		kwargs = make(map[string]any, len(m))
		for k, a := range m {
			v, err := Normalize(a)
			if err != nil {
				return 0, nil, nil, fmt.Errorf("%w: keyword argument %s", ErrBadPayload, k)
			}
			kwargs[k] = v
		}
	}

	return int(index), args, kwargs, nil
}

// Normalize coerces v into canonical model form: every integer width
// becomes int64, sequences become []any, mappings become map[string]any.
// Values outside the model fail with ErrBadValue.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return t, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer overflow", ErrBadValue)
		}
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer overflow", ErrBadValue)
		}
		return int64(t), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			v, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			v, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadValue, v)
	}
}
