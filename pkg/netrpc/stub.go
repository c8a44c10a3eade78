package netrpc

import (
	"github.com/relaywire/asyncrpc/pkg/call"
	"github.com/relaywire/asyncrpc/pkg/wire"
)

// Stub is a callable proxy for one call the peer exported. The signature is
// used purely for local validation; the callee performs no check of its
// own, so a binding error here is a programming error on the calling side.
type Stub struct {
	conn *Conn
	name string
	id   int
	sig  call.Signature
}

// Name returns the exported name the stub was imported under.
func (s *Stub) Name() string {
	return s.name
}

// Signature returns the signature most recently announced by the peer.
func (s *Stub) Signature() call.Signature {
	return s.sig
}

// Call invokes the remote call with positional arguments only.
func (s *Stub) Call(pos ...any) error {
	return s.CallNamed(pos, nil)
}

// CallNamed invokes the remote call with positional and named arguments.
// Binding errors are returned synchronously and nothing is sent; transport
// errors from the underlying endpoint pass through.
func (s *Stub) CallNamed(pos []any, named map[string]any) error {
	args, residual, err := s.sig.Bind(pos, named)
	if err != nil {
		return err
	}
	payload, err := wire.EncodeCall(s.id, args, residual)
	if err != nil {
		return err
	}
	return s.conn.sendFrame(payload)
}
