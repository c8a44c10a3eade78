// Package call implements the argument binding shared by the network RPC
// connection and the forked bridge. A Signature declares the shape of a
// remote call; Bind validates and arranges the caller's arguments into the
// ordered list the wire encoding carries. Validation is purely local: the
// callee never re-checks, so a stub's signature is the only guard against
// malformed calls.
package call

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidSignature   = errors.New("argument format invalid")
	ErrUnknownKeyword     = errors.New("unknown keyword argument")
	ErrDuplicateValue     = errors.New("got multiple values for argument")
	ErrArityMismatch      = errors.New("wrong number of arguments")
	ErrUnexpectedKeywords = errors.New("unexpected keyword arguments")
	ErrUnsupportedArgType = errors.New("argument must be an integer or a string")
)

var argName = regexp.MustCompile(`^[a-zA-Z_]+$`)

// Default is a named argument with a declared fallback value.
type Default struct {
	Name  string
	Value any
}

// Signature describes one callable: its required argument names, its
// default arguments, and whether it accepts surplus positional or keyword
// arguments. The combined order of Required then Defaults defines the
// positional binding order.
type Signature struct {
	Required []string
	Defaults []Default
	Varargs  bool
	Kwargs   bool

	lookup map[string]int
}

// NewSignature validates the argument names and builds the position lookup.
// Names are restricted to `[a-zA-Z_]+` and must be unique across the
// required and default lists combined.
func NewSignature(required []string, defaults []Default, varargs, kwargs bool) (Signature, error) {
	s := Signature{
		Required: required,
		Defaults: defaults,
		Varargs:  varargs,
		Kwargs:   kwargs,
		lookup:   make(map[string]int, len(required)+len(defaults)),
	}

	pos := 0
	for _, name := range required {
		if !argName.MatchString(name) {
			return Signature{}, fmt.Errorf("%w: %q", ErrInvalidSignature, name)
		}
		if _, ok := s.lookup[name]; ok {
			return Signature{}, fmt.Errorf("%w: duplicate name %q", ErrInvalidSignature, name)
		}
		s.lookup[name] = pos
		pos++
	}
	for _, d := range defaults {
		if !argName.MatchString(d.Name) {
			return Signature{}, fmt.Errorf("%w: %q", ErrInvalidSignature, d.Name)
		}
		if _, ok := s.lookup[d.Name]; ok {
			return Signature{}, fmt.Errorf("%w: duplicate name %q", ErrInvalidSignature, d.Name)
		}
		s.lookup[d.Name] = pos
		pos++
	}

	return s, nil
}

// MustSignature is NewSignature for statically known signatures.
func MustSignature(required []string, defaults []Default, varargs, kwargs bool) Signature {
	s, err := NewSignature(required, defaults, varargs, kwargs)
	if err != nil {
		panic(err)
	}
	return s
}

// Positional returns a signature of exactly n anonymous required slots, the
// shape a forked-bridge stub with a fixed argument count carries.
func Positional(n int) Signature {
	s := Signature{
		Required: make([]string, n),
		lookup:   make(map[string]int, n),
	}
	for i := 0; i < n; i++ {
		name := positionalName(i)
		s.Required[i] = name
		s.lookup[name] = i
	}
	return s
}

// Variadic returns the unbounded signature carried by bridge stubs with no
// declared argument count.
func Variadic() Signature {
	return Signature{Varargs: true, lookup: map[string]int{}}
}

// positionalName encodes i as a letters-only identifier: "a", "b", ...,
// "z", "aa", "ab", ...
func positionalName(i int) string {
	name := []byte{}
	for {
		name = append([]byte{byte('a' + i%26)}, name...)
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	return string(name)
}

// position resolves a declared name, rebuilding the lookup for signatures
// constructed literally rather than through NewSignature.
func (s *Signature) position(name string) (int, bool) {
	if s.lookup == nil {
		s.lookup = make(map[string]int, len(s.Required)+len(s.Defaults))
		for i, n := range s.Required {
			s.lookup[n] = i
		}
		for i, d := range s.Defaults {
			s.lookup[d.Name] = len(s.Required) + i
		}
	}
	idx, ok := s.lookup[name]
	return idx, ok
}

// CheckWireValue enforces the forked bridge's value restriction: every
// argument crossing the bridge is an int or a string.
func CheckWireValue(v any) error {
	switch v.(type) {
	case int, string:
		return nil
	default:
		return fmt.Errorf("%w, got %T", ErrUnsupportedArgType, v)
	}
}
