// Package transport defines the non-blocking endpoint contract the
// protocol layers consume. An Endpoint delivers raw bytes to its Handler in
// arrival order, one callback at a time; the protocol layers never touch
// I/O readiness themselves.
package transport

// Endpoint is a bidirectional byte channel owned by whoever created it. The
// protocol layers hold a non-owning reference.
type Endpoint interface {
	// Send writes data to the remote peer.
	Send(data []byte) error

	// Close tears the channel down and discards anything in flight.
	Close() error

	// IsConnected reports channel liveness.
	IsConnected() bool
}

// Handler receives endpoint events. Callbacks for a single endpoint are
// never invoked concurrently; all protocol work happens inside them.
type Handler interface {
	// OnData is invoked with each chunk of received bytes. Chunk
	// boundaries carry no meaning.
	OnData(data []byte)

	// OnDisconnect is invoked once when the channel is lost or closed.
	OnDisconnect()
}

// StreamEndpoint is an endpoint whose callback delivery has not started
// yet. Listeners and dialers return these; the application wires a protocol
// connection to the endpoint and then calls Serve exactly once.
type StreamEndpoint interface {
	Endpoint
	Serve(Handler)
}

// AcceptHandler is called by a listener for each new inbound endpoint.
type AcceptHandler func(StreamEndpoint)
