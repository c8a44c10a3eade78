package netrpc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/asyncrpc/pkg/call"
	"github.com/relaywire/asyncrpc/pkg/transport"
	"github.com/relaywire/asyncrpc/pkg/wire"
)

// fakeEndpoint queues outbound bytes so tests can pump them to the peer
// explicitly, standing in for the event loop.
type fakeEndpoint struct {
	out       [][]byte
	connected bool
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{connected: true}
}

func (e *fakeEndpoint) Send(data []byte) error {
	if !e.connected {
		return transport.ErrClosed
	}
	e.out = append(e.out, append([]byte(nil), data...))
	return nil
}

func (e *fakeEndpoint) Close() error {
	e.connected = false
	return nil
}

func (e *fakeEndpoint) IsConnected() bool {
	return e.connected
}

// pump delivers queued bytes between two connections until both queues are
// empty.
func pump(epA *fakeEndpoint, connB *Conn, epB *fakeEndpoint, connA *Conn) {
	for len(epA.out) > 0 || len(epB.out) > 0 {
		if len(epA.out) > 0 {
			data := epA.out[0]
			epA.out = epA.out[1:]
			connB.OnData(data)
		}
		if len(epB.out) > 0 {
			data := epB.out[0]
			epB.out = epB.out[1:]
			connA.OnData(data)
		}
	}
}

func pingSignature() call.Signature {
	return call.MustSignature([]string{"count"}, nil, false, false)
}

// newPingAcceptor is an acceptor that exports "ping" once the handshake
// completes, not yet fed any data.
func newPingAcceptor(t *testing.T, h Handler) (*Conn, *fakeEndpoint) {
	ep := newFakeEndpoint()
	conn := Accept(ep, Config{
		Identification: "serverA",
		Key:            "secretkey",
		OnExport: func(c *Conn) {
			require.NoError(t, c.Export("ping", h, pingSignature()))
		},
	})
	// Discard the greeting; these tests feed the acceptor directly.
	ep.out = nil
	return conn, ep
}

func pingFrame(t *testing.T, count int) []byte {
	payload, err := wire.EncodeCall(1, []any{count}, nil)
	require.NoError(t, err)
	frame, err := buildFrame(payload)
	require.NoError(t, err)
	return frame
}

func TestAcceptorHandshakeAndResidualFrames(t *testing.T) {

	calls := 0
	conn, _ := newPingAcceptor(t, func(args []any, kwargs map[string]any) {
		calls++
		assert.Equal(t, []any{int64(3)}, args)
	})

	// Key line and a complete frame arriving in one delivery: the frame
	// must be reprocessed right after the handshake consumes the line.
	data := append([]byte("secretkey\r\n"), pingFrame(t, 3)...)
	conn.OnData(data)

	assert.True(t, conn.Established())
	assert.Equal(t, 1, calls)
}

func TestAcceptorRejectsWrongKey(t *testing.T) {

	ep := newFakeEndpoint()
	authFailed := false
	conn := Accept(ep, Config{
		Identification: "serverA",
		Key:            "secretkey",
		OnAuthFail:     func(*Conn) { authFailed = true },
	})

	conn.OnData([]byte("wrongkey\r\n"))

	assert.True(t, authFailed)
	assert.False(t, ep.IsConnected())
	assert.False(t, conn.Established())
}

func TestConnectorRejectsWrongIdentification(t *testing.T) {

	ep := newFakeEndpoint()
	authFailed := false
	conn := Connect(ep, Config{
		Identification: "serverA",
		Key:            "secretkey",
		OnAuthFail:     func(*Conn) { authFailed = true },
	})

	conn.OnData([]byte("RPC:somebodyelse\r\n"))

	assert.True(t, authFailed)
	assert.False(t, ep.IsConnected())
}

func TestDisconnectDuringHandshakeReportsAuthFailure(t *testing.T) {

	ep := newFakeEndpoint()
	authFailed := false
	disconnected := false
	conn := Connect(ep, Config{
		Identification: "serverA",
		Key:            "secretkey",
		OnAuthFail:     func(*Conn) { authFailed = true },
		OnDisconnect:   func(*Conn) { disconnected = true },
	})

	conn.OnDisconnect()

	assert.True(t, authFailed)
	assert.False(t, disconnected)
}

func TestFrameSplitAtEveryBoundary(t *testing.T) {

	frame := pingFrame(t, 7)

	for i := 0; i <= len(frame); i++ {
		calls := 0
		conn, _ := newPingAcceptor(t, func(args []any, kwargs map[string]any) {
			calls++
			assert.Equal(t, []any{int64(7)}, args)
		})
		conn.OnData([]byte("secretkey\r\n"))

		conn.OnData(frame[:i])
		conn.OnData(frame[i:])

		assert.Equalf(t, 1, calls, "split at byte %d", i)
	}
}

func TestFrameFedByteAtATime(t *testing.T) {

	calls := 0
	conn, _ := newPingAcceptor(t, func(args []any, kwargs map[string]any) {
		calls++
	})
	conn.OnData([]byte("secretkey\r\n"))

	frame := pingFrame(t, 1)
	for _, b := range frame {
		conn.OnData([]byte{b})
	}

	assert.Equal(t, 1, calls)
}

func TestCorruptTrailerResynchronizes(t *testing.T) {

	var got []int64
	conn, _ := newPingAcceptor(t, func(args []any, kwargs map[string]any) {
		got = append(got, args[0].(int64))
	})
	conn.OnData([]byte("secretkey\r\n"))

	corrupt := pingFrame(t, 1)
	corrupt[len(corrupt)-2] ^= 0xff // one byte of the magic trailer

	stream := append(corrupt, pingFrame(t, 2)...)
	stream = append(stream, pingFrame(t, 3)...)
	conn.OnData(stream)

	// The resync anchor is the next trailer occurrence, which is the end
	// of frame 2: frames 1 and 2 are lost, frame 3 parses cleanly.
	assert.Equal(t, []int64{3}, got)

	// The stream keeps working afterwards.
	conn.OnData(pingFrame(t, 4))
	assert.Equal(t, []int64{3, 4}, got)
}

func TestResyncWaitsForMoreData(t *testing.T) {

	calls := 0
	conn, _ := newPingAcceptor(t, func(args []any, kwargs map[string]any) {
		calls++
	})
	conn.OnData([]byte("secretkey\r\n"))

	corrupt := pingFrame(t, 1)
	corrupt[len(corrupt)-1] ^= 0xff
	conn.OnData(corrupt)
	assert.Equal(t, 0, calls)

	// The anchor trailer arrives split across deliveries during resync;
	// the frame carrying it is consumed as garbage.
	anchor := pingFrame(t, 2)
	conn.OnData(anchor[:3])
	assert.Equal(t, 0, calls)
	conn.OnData(anchor[3:])
	assert.Equal(t, 0, calls)

	// The first well-formed frame after the anchor dispatches.
	conn.OnData(pingFrame(t, 3))
	assert.Equal(t, 1, calls)
}

// establishedPair wires an acceptor and a connector back to back and
// completes the handshake.
func establishedPair(t *testing.T, cfgA, cfgB Config) (*Conn, *fakeEndpoint, *Conn, *fakeEndpoint) {
	epA := newFakeEndpoint()
	epB := newFakeEndpoint()

	cfgA.Identification = "serverA"
	cfgA.Key = "secretkey"
	cfgB.Identification = "serverA"
	cfgB.Key = "secretkey"

	connB := Connect(epB, cfgB)
	connA := Accept(epA, cfgA)

	pump(epA, connB, epB, connA)

	require.True(t, connA.Established())
	require.True(t, connB.Established())
	return connA, epA, connB, epB
}

func TestEndToEndExportImportAndCall(t *testing.T) {

	pinged := 0
	importReady := 0

	cfgA := Config{
		OnExport: func(c *Conn) {
			require.NoError(t, c.Export("ping", func(args []any, kwargs map[string]any) {
				pinged++
			}, call.MustSignature(nil, nil, false, false)))
		},
	}
	cfgB := Config{
		OnImport: func(c *Conn) {
			importReady++
			stub := c.Import("ping")
			require.NotNil(t, stub)
			require.NoError(t, stub.Call())
		},
	}

	connA, epA, connB, epB := establishedPair(t, cfgA, cfgB)
	pump(epA, connB, epB, connA)

	assert.Equal(t, 1, importReady)
	assert.Equal(t, 1, pinged)
	assert.Nil(t, connA.Import("ping"), "A never imported anything")
	assert.NotNil(t, connB.Import("ping"))
}

func TestImportReadyFiresOnBothSides(t *testing.T) {

	importedOnA := false
	importedOnB := false

	connA, epA, connB, epB := establishedPair(t,
		Config{OnImport: func(*Conn) { importedOnA = true }},
		Config{OnImport: func(*Conn) { importedOnB = true }},
	)
	pump(epA, connB, epB, connA)

	assert.True(t, importedOnA)
	assert.True(t, importedOnB)
}

func TestReExportKeepsIndexAndUpdatesPeerSignature(t *testing.T) {

	sigV1 := call.MustSignature([]string{"count"}, nil, false, false)
	sigV2 := call.MustSignature([]string{"count"}, []call.Default{{Name: "label", Value: "x"}}, false, false)

	var handled []string

	connA, epA, connB, epB := establishedPair(t, Config{
		OnExport: func(c *Conn) {
			require.NoError(t, c.Export("ping", func(args []any, kwargs map[string]any) {
				handled = append(handled, "v1")
			}, sigV1))
		},
	}, Config{})
	pump(epA, connB, epB, connA)

	firstIdx := connA.exportIdx["ping"]
	stub := connB.Import("ping")
	require.NotNil(t, stub)
	assert.Equal(t, []string{"count"}, stub.Signature().Required)
	assert.Empty(t, stub.Signature().Defaults)

	// Re-export under the same name with a new handler and signature.
	require.NoError(t, connA.Export("ping", func(args []any, kwargs map[string]any) {
		handled = append(handled, "v2")
	}, sigV2))
	pump(epA, connB, epB, connA)

	assert.Equal(t, firstIdx, connA.exportIdx["ping"])
	assert.Len(t, connA.exports, 2, "control call plus one export")

	// The peer's stub picked up the new signature and still targets the
	// same index.
	updated := connB.Import("ping")
	require.NotNil(t, updated)
	assert.Same(t, stub, updated)
	assert.Len(t, updated.Signature().Defaults, 1)

	require.NoError(t, updated.Call(5))
	pump(epA, connB, epB, connA)
	assert.Equal(t, []string{"v2"}, handled)
}

func TestStubBindingErrorsAreLocal(t *testing.T) {

	connA, epA, connB, epB := establishedPair(t, Config{
		OnExport: func(c *Conn) {
			require.NoError(t, c.Export("ping", func(args []any, kwargs map[string]any) {}, pingSignature()))
		},
	}, Config{})
	pump(epA, connB, epB, connA)

	stub := connB.Import("ping")
	require.NotNil(t, stub)

	err := stub.Call()
	require.ErrorIs(t, err, call.ErrArityMismatch)

	err = stub.CallNamed([]any{1}, map[string]any{"bogus": 2})
	require.ErrorIs(t, err, call.ErrUnknownKeyword)

	// Nothing was sent for either failed call.
	assert.Empty(t, epB.out)
}

func TestHandlerMayCloseConnectionMidDrain(t *testing.T) {

	calls := 0
	var conn *Conn
	conn, _ = newPingAcceptor(t, func(args []any, kwargs map[string]any) {
		calls++
		conn.Close()
	})
	conn.OnData([]byte("secretkey\r\n"))

	stream := append(pingFrame(t, 1), pingFrame(t, 2)...)
	conn.OnData(stream)

	// The second frame is never dispatched; close discards parse state.
	assert.Equal(t, 1, calls)
}

func TestKwargsTravelToHandler(t *testing.T) {

	var gotKwargs map[string]any

	connA, epA, connB, epB := establishedPair(t, Config{
		OnExport: func(c *Conn) {
			require.NoError(t, c.Export("configure", func(args []any, kwargs map[string]any) {
				gotKwargs = kwargs
			}, call.MustSignature([]string{"mode"}, nil, false, true)))
		},
	}, Config{})
	pump(epA, connB, epB, connA)

	stub := connB.Import("configure")
	require.NotNil(t, stub)
	require.NoError(t, stub.CallNamed([]any{"fast"}, map[string]any{"retries": 3}))
	pump(epA, connB, epB, connA)

	assert.Equal(t, map[string]any{"retries": int64(3)}, gotKwargs)
}

func TestFrameTooLarge(t *testing.T) {

	payload := make([]byte, maxFrameLen+1)
	_, err := buildFrame(payload)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestUnknownCallIndexIsDropped(t *testing.T) {

	calls := 0
	conn, _ := newPingAcceptor(t, func(args []any, kwargs map[string]any) {
		calls++
	})
	conn.OnData([]byte("secretkey\r\n"))

	payload, err := wire.EncodeCall(42, nil, nil)
	require.NoError(t, err)
	frame, err := buildFrame(payload)
	require.NoError(t, err)
	conn.OnData(frame)

	assert.Equal(t, 0, calls)
	assert.True(t, conn.Established(), "bad index is not fatal")

	conn.OnData(pingFrame(t, 1))
	assert.Equal(t, 1, calls)
}

func TestGreetingLine(t *testing.T) {

	ep := newFakeEndpoint()
	Accept(ep, Config{Identification: "serverA", Key: "secretkey"})

	require.Len(t, ep.out, 1)
	assert.Equal(t, fmt.Sprintf("RPC:%s\r\n", "serverA"), string(ep.out[0]))
}
