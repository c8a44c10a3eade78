// Package netrpc implements an asynchronous, fire-and-forget RPC protocol
// between two endpoints. After a plaintext handshake the peers exchange
// framed call messages and negotiate callable symbols dynamically through
// the reserved control call.
//
// The handshake is mutual identity confirmation against a shared secret,
// nothing more: it rejects wrongly wired peers but provides no
// confidentiality or replay resistance, so it is unsuitable for untrusted
// networks without a transport-security layer underneath.
//
// Calls are one-way: no return values, no remote error propagation.
//
// A Conn is confined to its endpoint's callback goroutine. Exports and stub
// calls must run inside the Conn's callbacks (OnExport, OnImport, call
// handlers) or be externally synchronized with them.
package netrpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaywire/asyncrpc/pkg/call"
	"github.com/relaywire/asyncrpc/pkg/log"
	"github.com/relaywire/asyncrpc/pkg/transport"
	"github.com/relaywire/asyncrpc/pkg/wire"
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticating
	stateEstablished
	stateClosed
)

type parsePhase int

const (
	phaseHeader parsePhase = iota
	phaseBody
	phaseResync
)

// Handler is a registered local call target.
type Handler func(args []any, kwargs map[string]any)

type Config struct {
	// Identification names the accepting side; the acceptor announces it
	// and the connector verifies it.
	Identification string

	// Key is the shared secret the connector answers with.
	Key string

	// OnExport is invoked once the handshake completes; it is the place
	// to register exported calls.
	OnExport func(*Conn)

	// OnImport is invoked when the peer announces that its export phase
	// is complete.
	OnImport func(*Conn)

	// OnAuthFail is invoked on a handshake mismatch or a disconnect
	// during the handshake, right before the connection closes.
	OnAuthFail func(*Conn)

	// OnDisconnect is invoked when an established connection is lost.
	OnDisconnect func(*Conn)

	Logger log.Logger
}

// Conn is one side of a network RPC connection. It owns the handshake
// state machine, the frame parser and the export/import symbol tables, all
// of which live and die with the underlying endpoint.
type Conn struct {
	cfg      Config
	ep       transport.Endpoint
	acceptor bool
	tag      string

	state  state
	stream []byte

	phase   parsePhase
	bodyLen int

	// exports is a dense arena: index 0 is the control call, indices are
	// assigned in registration order and never reused.
	exports   []Handler
	exportIdx map[string]int
	imports   map[string]*Stub
}

// Accept wraps an endpoint obtained from a listener. The greeting line is
// sent immediately; the caller must start the endpoint's callback delivery
// (e.g. StreamEndpoint.Serve) with the returned Conn as handler.
func Accept(ep transport.Endpoint, cfg Config) *Conn {
	c := newConn(ep, cfg, true)
	c.state = stateAuthenticating
	c.send(append([]byte("RPC:"+cfg.Identification), eol...))
	return c
}

// Connect wraps an endpoint obtained from a dialer. The connection waits
// for the acceptor's greeting before answering with the key.
func Connect(ep transport.Endpoint, cfg Config) *Conn {
	c := newConn(ep, cfg, false)
	c.state = stateAuthenticating
	return c
}

func newConn(ep transport.Endpoint, cfg Config, acceptor bool) *Conn {
	c := &Conn{
		cfg:       cfg,
		ep:        ep,
		acceptor:  acceptor,
		tag:       uuid.NewString()[:8],
		state:     stateUnauthenticated,
		exportIdx: make(map[string]int),
		imports:   make(map[string]*Stub),
	}
	// Index 0 is reserved for symbol negotiation.
	c.exports = []Handler{c.controlCall}
	return c
}

func (c *Conn) logDebug(msg string) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(fmt.Sprintf("conn %s: %s", c.tag, msg))
	}
}

func (c *Conn) logWarn(msg string) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(fmt.Sprintf("conn %s: %s", c.tag, msg))
	}
}

func (c *Conn) logError(msg string) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Error(fmt.Sprintf("conn %s: %s", c.tag, msg))
	}
}

// OnData implements transport.Handler.
func (c *Conn) OnData(data []byte) {
	if c.state == stateClosed {
		return
	}
	c.stream = append(c.stream, data...)

	if c.state == stateEstablished {
		c.drain()
		return
	}
	c.handshake()
}

// OnDisconnect implements transport.Handler. A loss during the handshake
// is an authentication failure; afterwards it is an expected runtime event.
func (c *Conn) OnDisconnect() {
	if c.state == stateClosed {
		return
	}
	established := c.state == stateEstablished
	c.state = stateClosed
	c.stream = nil

	if established {
		c.logDebug("disconnected")
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(c)
		}
		return
	}
	c.logWarn("disconnected during handshake")
	if c.cfg.OnAuthFail != nil {
		c.cfg.OnAuthFail(c)
	}
}

func (c *Conn) handshake() {
	i := bytes.Index(c.stream, eol)
	if i < 0 {
		return
	}
	line := string(c.stream[:i])
	c.stream = c.stream[i+len(eol):]

	if c.acceptor {
		if line != c.cfg.Key {
			c.authFail()
			return
		}
		c.logDebug("peer authenticated")
		c.state = stateEstablished
		c.runSetup()
		// Frames may already be buffered behind the key line.
		c.drain()
		return
	}

	if line != "RPC:"+c.cfg.Identification {
		c.authFail()
		return
	}
	c.logDebug("peer identification confirmed")
	c.send(append([]byte(c.cfg.Key), eol...))
	c.state = stateEstablished
	c.runSetup()
}

func (c *Conn) authFail() {
	c.logError("authentication failed")
	if c.cfg.OnAuthFail != nil {
		c.cfg.OnAuthFail(c)
	}
	c.Close()
}

// runSetup fires the export hook, then announces export completion once.
func (c *Conn) runSetup() {
	if c.cfg.OnExport != nil {
		c.cfg.OnExport(c)
	}
	payload, err := wire.EncodeCall(0, []any{nil, nil, nil, nil, nil}, nil)
	if err != nil {
		c.logError("encoding export completion: " + err.Error())
		return
	}
	c.sendFrame(payload)
}

// drain parses and dispatches every complete frame in the buffer. The loop
// is iterative so a handler that registers calls or closes the connection
// mid-pass is observed before the next frame is parsed.
func (c *Conn) drain() {
	for c.state == stateEstablished && c.ep.IsConnected() {
		switch c.phase {
		case phaseHeader:
			if len(c.stream) < headerSize {
				return
			}
			c.bodyLen = int(binary.BigEndian.Uint16(c.stream))
			c.stream = c.stream[headerSize:]
			c.phase = phaseBody

		case phaseBody:
			if len(c.stream) < c.bodyLen+len(magic) {
				return
			}
			if !bytes.Equal(c.stream[c.bodyLen:c.bodyLen+len(magic)], magic) {
				// Corrupt frame; hunt for the next trailer.
				c.logWarn("missing frame trailer, resynchronizing")
				c.phase = phaseResync
				continue
			}
			payload := c.stream[:c.bodyLen]
			c.stream = c.stream[c.bodyLen+len(magic):]
			c.phase = phaseHeader
			c.dispatch(payload)

		case phaseResync:
			i := bytes.Index(c.stream, magic)
			if i < 0 {
				return
			}
			c.stream = c.stream[i+len(magic):]
			c.phase = phaseHeader
		}
	}
}

func (c *Conn) dispatch(payload []byte) {
	index, args, kwargs, err := wire.DecodeCall(payload)
	if err != nil {
		c.logWarn("dropping undecodable frame: " + err.Error())
		return
	}
	if index >= len(c.exports) {
		c.logWarn(fmt.Sprintf("dropping call to unknown index %d", index))
		return
	}
	c.exports[index](args, kwargs)
}

// controlCall is the reserved index-0 handler receiving the peer's symbol
// announcements.
func (c *Conn) controlCall(args []any, kwargs map[string]any) {
	if len(args) != 5 {
		c.logWarn("malformed control call")
		return
	}

	if wire.IsAbsent(args[0]) {
		// The peer's export phase is complete.
		if c.cfg.OnImport != nil {
			c.cfg.OnImport(c)
		}
		return
	}

	name, ok := args[0].(string)
	if !ok {
		c.logWarn("malformed control call: name is not a string")
		return
	}
	sig, err := decodeSignature(args)
	if err != nil {
		c.logWarn("malformed control call: " + err.Error())
		return
	}

	if stub, ok := c.imports[name]; ok {
		stub.sig = sig
		c.logDebug("updated import " + name)
		return
	}
	// Index 0 is the control call on both sides, so the first imported
	// name takes index 1.
	c.imports[name] = &Stub{
		conn: c,
		name: name,
		id:   len(c.imports) + 1,
		sig:  sig,
	}
	c.logDebug("registered import " + name)
}

func decodeSignature(args []any) (call.Signature, error) {
	required, err := stringSeq(args[1])
	if err != nil {
		return call.Signature{}, fmt.Errorf("required arguments: %w", err)
	}

	var defaults []call.Default
	if !wire.IsAbsent(args[2]) {
		seq, ok := args[2].([]any)
		if !ok {
			return call.Signature{}, fmt.Errorf("default arguments are not a sequence")
		}
		for _, e := range seq {
			pair, ok := e.([]any)
			if !ok || len(pair) != 2 {
				return call.Signature{}, fmt.Errorf("default argument is not a (name, value) pair")
			}
			name, ok := pair[0].(string)
			if !ok {
				return call.Signature{}, fmt.Errorf("default argument name is not a string")
			}
			defaults = append(defaults, call.Default{Name: name, Value: pair[1]})
		}
	}

	return call.NewSignature(required, defaults, truthy(args[3]), truthy(args[4]))
}

func stringSeq(v any) ([]string, error) {
	if wire.IsAbsent(v) {
		return nil, nil
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a sequence")
	}
	out := make([]string, len(seq))
	for i, e := range seq {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	default:
		return false
	}
}

// Export registers a local call under name and announces it to the peer.
// Re-exporting an existing name replaces the handler and re-announces the
// signature without assigning a new index.
func (c *Conn) Export(name string, h Handler, sig call.Signature) error {
	if c.state != stateEstablished {
		return fmt.Errorf("connection is not established")
	}

	if idx, ok := c.exportIdx[name]; ok {
		c.exports[idx] = h
	} else {
		c.exportIdx[name] = len(c.exports)
		c.exports = append(c.exports, h)
	}

	sigArgs := []any{
		name,
		toAnySlice(sig.Required),
		defaultsToWire(sig.Defaults),
		sig.Varargs,
		sig.Kwargs,
	}
	payload, err := wire.EncodeCall(0, sigArgs, nil)
	if err != nil {
		return fmt.Errorf("encoding export announcement: %w", err)
	}
	return c.sendFrame(payload)
}

// Import returns the stub for a call the peer has exported, or nil if the
// name is unknown (yet).
func (c *Conn) Import(name string) *Stub {
	return c.imports[name]
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func defaultsToWire(defaults []call.Default) []any {
	out := make([]any, len(defaults))
	for i, d := range defaults {
		out[i] = []any{d.Name, d.Value}
	}
	return out
}

func (c *Conn) sendFrame(payload []byte) error {
	frame, err := buildFrame(payload)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Conn) send(data []byte) error {
	return c.ep.Send(data)
}

// Close tears the connection down and discards all buffered parse state.
func (c *Conn) Close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.stream = nil
	c.ep.Close()
}

// Established reports whether the handshake has completed and the
// connection is still up.
func (c *Conn) Established() bool {
	return c.state == stateEstablished && c.ep.IsConnected()
}
