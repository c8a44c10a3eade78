//go:build unix

// Package bridge implements a lightweight RPC channel between a parent
// process and a spawned child over a connected socket pair. Arguments are
// restricted to integers and strings; calls are one-way and asynchronous,
// so there are no return values.
//
// Go cannot fork without exec, so the process split is the re-exec
// pattern: the master creates the socket pair and spawns the same
// executable with the slave end on an inherited descriptor, marked via an
// environment variable. Both processes call Fork with the same Setup
// function, which registers the call table identically on each side before
// any traffic flows; that keeps call codes in agreement, the invariant the
// original pre-fork registration point exists for.
package bridge

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/relaywire/asyncrpc/pkg/log"
	"github.com/relaywire/asyncrpc/pkg/transport"
)

// FdEnv names the inherited descriptor in the slave's environment.
const FdEnv = "ASYNCRPC_BRIDGE_FD"

// slaveFd is where exec places the first extra file.
const slaveFd = 3

// Handler is a registered local call target. Every argument is an int or a
// string.
type Handler func(args []any)

type Config struct {
	// Setup registers the bridge's calls. It runs in both processes
	// before any traffic, so registration order (and therefore call
	// codes) is identical on both sides.
	Setup func(*Bridge)

	// OnMaster and OnSlave fire after the split in the respective
	// process, with Payload forwarded unchanged.
	OnMaster func(payload any)
	OnSlave  func(payload any)

	// OnMasterLost fires in the slave when the master side goes away;
	// OnSlaveLost fires in the master. The master should reap the child
	// with WaitSlave after OnSlaveLost.
	OnMasterLost func()
	OnSlaveLost  func()

	Payload any

	Logger log.Logger
}

// Bridge is one side of a forked RPC channel. Like the network connection,
// it is confined to its endpoint's callback goroutine once traffic starts.
type Bridge struct {
	cfg      Config
	ep       transport.Endpoint
	master   bool
	childPID int

	calls []Handler

	parser parser
}

// Fork splits the current process into a master and a slave communicating
// over a socket pair. In the parent it spawns the child and returns the
// master side; in the child (detected via FdEnv) it attaches to the
// inherited descriptor and returns the slave side. On spawn failure both
// ends of the socket pair are closed before the error is returned.
func Fork(cfg Config) (*Bridge, error) {
	if fdStr := os.Getenv(FdEnv); fdStr != "" {
		return forkSlave(cfg, fdStr)
	}
	return forkMaster(cfg)
}

func forkSlave(cfg Config, fdStr string) (*Bridge, error) {
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("bridge: bad %s value %q", FdEnv, fdStr)
	}

	f := os.NewFile(uintptr(fd), "bridge")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("bridge: attaching inherited descriptor: %w", err)
	}

	b := &Bridge{cfg: cfg, master: false}
	b.start(transport.NewConnEndpoint(conn), cfg.OnSlave)
	return b, nil
}

func forkMaster(cfg Config) (*Bridge, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge: socketpair: %w", err)
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	masterFile := os.NewFile(uintptr(fds[0]), "bridge-master")
	slaveFile := os.NewFile(uintptr(fds[1]), "bridge-slave")

	exe, err := os.Executable()
	if err != nil {
		masterFile.Close()
		slaveFile.Close()
		return nil, fmt.Errorf("bridge: resolving executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{slaveFile}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", FdEnv, slaveFd))

	if err := cmd.Start(); err != nil {
		masterFile.Close()
		slaveFile.Close()
		return nil, fmt.Errorf("bridge: spawning slave: %w", err)
	}
	slaveFile.Close()

	conn, err := net.FileConn(masterFile)
	masterFile.Close()
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("bridge: attaching master descriptor: %w", err)
	}

	b := &Bridge{cfg: cfg, master: true, childPID: cmd.Process.Pid}
	b.start(transport.NewConnEndpoint(conn), cfg.OnMaster)
	return b, nil
}

// start registers the call table, fires the role callback, and only then
// begins callback delivery, so no call is dispatched before the role
// callback has run. Inbound bytes buffer in the socket meanwhile.
func (b *Bridge) start(ep *transport.ConnEndpoint, onRole func(payload any)) {
	b.ep = ep
	if b.cfg.Setup != nil {
		b.cfg.Setup(b)
	}
	if onRole != nil {
		onRole(b.cfg.Payload)
	}
	ep.Serve(b)
}

// IsMaster reports which side of the split this bridge is.
func (b *Bridge) IsMaster() bool {
	return b.master
}

// Register adds a call to the dispatch table and returns the stub that
// invokes it in the peer process. Call codes are assigned in registration
// order. argc is the exact number of arguments the call expects; argc < 0
// means variable arguments.
//
// Register must only be called from Config.Setup, so both processes build
// the same table.
func (b *Bridge) Register(h Handler, argc int) *Stub {
	code := uint32(len(b.calls))
	b.calls = append(b.calls, h)
	return newStub(b, code, argc)
}

// OnData implements transport.Handler.
func (b *Bridge) OnData(data []byte) {
	b.parser.feed(data)
	for {
		req, ok := b.parser.next()
		if !ok {
			break
		}
		b.dispatch(req)
	}
	if b.parser.corrupt {
		// Unlike the network protocol there is no resync anchor in this
		// stream; a corrupt record is fatal for the channel.
		b.logWarn("corrupt call record, closing bridge")
		b.ep.Close()
	}
}

func (b *Bridge) dispatch(req request) {
	if int(req.code) >= len(b.calls) {
		b.logWarn(fmt.Sprintf("dropping call to unknown code %d", req.code))
		return
	}
	b.calls[req.code](req.args)
}

// OnDisconnect implements transport.Handler.
func (b *Bridge) OnDisconnect() {
	if b.master {
		b.logDebug("slave lost")
		if b.cfg.OnSlaveLost != nil {
			b.cfg.OnSlaveLost()
		}
		return
	}
	b.logDebug("master lost")
	if b.cfg.OnMasterLost != nil {
		b.cfg.OnMasterLost()
	}
}

// WaitSlave reaps the child's exit status. It is a no-op on the slave
// side. Interrupted waits are retried; any other failure propagates.
func (b *Bridge) WaitSlave() error {
	if !b.master {
		return nil
	}
	var status syscall.WaitStatus
	for {
		_, err := syscall.Wait4(b.childPID, &status, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}

// Close shuts down this side of the bridge.
func (b *Bridge) Close() error {
	return b.ep.Close()
}

func (b *Bridge) logDebug(msg string) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug("bridge: " + msg)
	}
}

func (b *Bridge) logWarn(msg string) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warn("bridge: " + msg)
	}
}
