// Package websocket provides the transport endpoint contract over
// WebSocket binary messages.
package websocket

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywire/asyncrpc/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Endpoint implements the transport contract over a WebSocket connection.
// Each binary message is delivered as one OnData chunk; the protocol
// parsers attach no meaning to message boundaries.
type Endpoint struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	connected bool
	serving   bool
}

func newEndpoint(conn *websocket.Conn) *Endpoint {
	return &Endpoint{
		conn:      conn,
		connected: true,
	}
}

func (e *Endpoint) Serve(h transport.Handler) {
	e.mu.Lock()
	if e.serving {
		e.mu.Unlock()
		panic("endpoint is already serving")
	}
	e.serving = true
	e.mu.Unlock()

	go e.readLoop(h)
}

func (e *Endpoint) readLoop(h transport.Handler) {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.mu.Lock()
			e.connected = false
			e.mu.Unlock()
			h.OnDisconnect()
			return
		}
		h.OnData(data)
	}
}

func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return transport.ErrClosed
	}
	return e.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil
	}
	e.connected = false

	// Send a proper close frame before closing the connection. Use a
	// short deadline to avoid blocking indefinitely.
	deadline := time.Now().Add(time.Second)
	err := e.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	closeErr := e.conn.Close()

	if err != nil {
		return err
	}
	return closeErr
}

func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

type ListenerConfig struct {
	Address  string
	Path     string
	CertFile string
	KeyFile  string
	OnAccept transport.AcceptHandler
}

// Listener upgrades inbound HTTP requests to WebSocket endpoints.
type Listener struct {
	conf   ListenerConfig
	server *http.Server
	ln     net.Listener
	mu     sync.Mutex
	closed bool
}

func NewListener(conf ListenerConfig) *Listener {
	if conf.Path == "" {
		conf.Path = "/"
	}
	return &Listener{
		conf: conf,
	}
}

func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return fmt.Errorf("listener is already listening")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.conf.Path, l.handleUpgrade)

	ln, err := net.Listen("tcp", l.conf.Address)
	if err != nil {
		return err
	}
	l.ln = ln
	l.server = &http.Server{Handler: mux}

	go func() {
		if l.conf.CertFile != "" && l.conf.KeyFile != "" {
			l.server.ServeTLS(ln, l.conf.CertFile, l.conf.KeyFile)
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.conf.OnAccept(newEndpoint(conn))
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server == nil || l.closed {
		return nil
	}
	l.closed = true
	return l.server.Close()
}

// Dial connects to a WebSocket URL (ws:// or wss://) and returns an
// unstarted endpoint.
func Dial(url string) (*Endpoint, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newEndpoint(conn), nil
}
