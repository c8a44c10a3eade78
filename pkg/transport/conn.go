package transport

import (
	"errors"
	"net"
	"sync"
)

var ErrClosed = errors.New("endpoint is closed")

const readBufferSize = 4096

// ConnEndpoint adapts any net.Conn to the Endpoint contract. A single
// reader goroutine per connection delivers Handler callbacks sequentially,
// so everything a Handler owns is confined to that goroutine.
type ConnEndpoint struct {
	conn      net.Conn
	mu        sync.Mutex
	connected bool
	serving   bool
}

func NewConnEndpoint(conn net.Conn) *ConnEndpoint {
	return &ConnEndpoint{
		conn:      conn,
		connected: true,
	}
}

// Serve starts delivering received bytes to h. It must be called exactly
// once, after the handler is ready to receive callbacks.
func (e *ConnEndpoint) Serve(h Handler) {
	e.mu.Lock()
	if e.serving {
		e.mu.Unlock()
		panic("endpoint is already serving")
	}
	e.serving = true
	e.mu.Unlock()

	go e.readLoop(h)
}

func (e *ConnEndpoint) readLoop(h Handler) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			// The handler may retain the bytes across callbacks.
			data := make([]byte, n)
			copy(data, buf[:n])
			h.OnData(data)
		}
		if err != nil {
			e.markDisconnected()
			h.OnDisconnect()
			return
		}
	}
}

func (e *ConnEndpoint) markDisconnected() {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

func (e *ConnEndpoint) Send(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return ErrClosed
	}
	_, err := e.conn.Write(data)
	return err
}

func (e *ConnEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil
	}
	e.connected = false
	return e.conn.Close()
}

func (e *ConnEndpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// RemoteAddr exposes the peer address for logging.
func (e *ConnEndpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}
