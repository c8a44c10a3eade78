// Package tcp provides TCP listeners and dialers producing
// transport.ConnEndpoint values.
package tcp

import (
	"fmt"
	"net"
	"sync"

	"github.com/relaywire/asyncrpc/pkg/transport"
)

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

type ListenerConfig struct {
	Address  string
	NoDelay  bool // Disable Nagle's algorithm for better latency
	OnAccept transport.AcceptHandler
}

// Listener accepts TCP connections and hands each one to OnAccept as an
// unstarted endpoint; the handler wires a protocol connection to it and
// calls Serve.
type Listener struct {
	conf     ListenerConfig
	listener net.Listener
	mu       sync.Mutex
	closed   bool
}

func NewListener(conf ListenerConfig) *Listener {
	return &Listener{
		conf: conf,
	}
}

func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return fmt.Errorf("listener is already listening")
	}

	ln, err := net.Listen("tcp", l.conf.Address)
	if err != nil {
		return err
	}
	l.listener = ln

	go l.acceptLoop()

	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			continue
		}

		if err := setNoDelay(conn, l.conf.NoDelay); err != nil {
			conn.Close()
			continue
		}

		l.conf.OnAccept(transport.NewConnEndpoint(conn))
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener == nil || l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// Dial connects to addr and returns an unstarted endpoint.
func Dial(addr string, noDelay bool) (*transport.ConnEndpoint, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := setNoDelay(conn, noDelay); err != nil {
		conn.Close()
		return nil, err
	}
	return transport.NewConnEndpoint(conn), nil
}
