package call

import (
	"fmt"
)

// Bind validates the supplied positional and named arguments against the
// signature and produces the full ordered argument list for the wire, plus
// the residual named arguments (non-empty only when the signature accepts
// keyword arguments and undeclared names were supplied).
//
// The checks run in a fixed order since it defines the observable error
// precedence:
//
//  1. every named argument must be a declared name, unless Kwargs
//  2. a named argument must not collide with a positional one
//  3. missing required positions are filled from named arguments
//  4. missing default positions are filled from named arguments or defaults
//  5. surplus positional arguments require Varargs
//  6. leftover named arguments require Kwargs
func (s Signature) Bind(pos []any, named map[string]any) ([]any, map[string]any, error) {

	residual := map[string]any{}
	pending := make(map[string]any, len(named))

	for name := range named {
		if _, ok := s.position(name); !ok {
			if !s.Kwargs {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKeyword, name)
			}
			residual[name] = named[name]
			continue
		}
		pending[name] = named[name]
	}

	for name := range pending {
		idx, _ := s.position(name)
		if idx < len(pos) {
			return nil, nil, fmt.Errorf("%w %s", ErrDuplicateValue, name)
		}
	}

	args := append([]any(nil), pos...)

	for i := len(pos); i < len(s.Required); i++ {
		v, ok := pending[s.Required[i]]
		if !ok {
			return nil, nil, fmt.Errorf("%w: expecting %d arguments, got %d",
				ErrArityMismatch, len(s.Required), len(pos))
		}
		args = append(args, v)
		delete(pending, s.Required[i])
	}

	for i := len(args) - len(s.Required); i < len(s.Defaults); i++ {
		d := s.Defaults[i]
		if v, ok := pending[d.Name]; ok {
			args = append(args, v)
			delete(pending, d.Name)
		} else {
			args = append(args, d.Value)
		}
	}

	if len(args) > len(s.Required)+len(s.Defaults) && !s.Varargs {
		return nil, nil, fmt.Errorf("%w: expecting at most %d arguments, got %d",
			ErrArityMismatch, len(s.Required)+len(s.Defaults), len(args))
	}

	if len(pending) > 0 && !s.Kwargs {
		return nil, nil, fmt.Errorf("%w (%d leftover)", ErrUnexpectedKeywords, len(pending))
	}
	for name, v := range pending {
		residual[name] = v
	}

	return args, residual, nil
}
