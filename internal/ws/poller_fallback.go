//go:build !linux

package ws

import (
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
)

// Poller is the portable readiness notifier used when epoll is unavailable,
// mainly for development on macOS and Windows. Each registered socket gets
// a watcher goroutine parked in the runtime's network poller via
// syscall.RawConn, which waits for read readiness without consuming any
// bytes from the stream.
type Poller struct {
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	pending chan net.Conn
	done    chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		pending: make(chan net.Conn, pollBatch),
		done:    make(chan struct{}),
	}, nil
}

const pollBatch = 128

// LevelTriggered reports that readiness here is edge-based: a socket is
// reported once per arrival, not re-reported while data sits unread, so the
// read path must drain every buffered frame per dispatch.
func (p *Poller) LevelTriggered() bool { return false }

// Register starts a watcher goroutine for the socket.
func (p *Poller) Register(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return errors.New("ws: connection does not expose a raw socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn, raw)
	return nil
}

// Unregister stops reporting the socket. The watcher goroutine exits on its
// next wakeup.
func (p *Poller) Unregister(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// watch parks in the runtime poller until the socket turns readable, then
// reports it. Read deadlines set by the frame reader wake the park with a
// timeout, which is not readiness and just re-arms the wait. Any other
// error means the socket is closing; it is reported one last time so the
// read path observes the closure.
func (p *Poller) watch(conn net.Conn, raw syscall.RawConn) {
	for {
		err := waitReadable(raw)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}

		p.mu.Lock()
		_, registered := p.conns[conn]
		p.mu.Unlock()
		if !registered {
			return
		}

		select {
		case p.pending <- conn:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// waitReadable blocks until the socket is readable without consuming data:
// the callback declines the immediate invocation, which parks the goroutine
// in the runtime poller, and accepts the readiness wakeup.
func waitReadable(raw syscall.RawConn) error {
	armed := false
	return raw.Read(func(uintptr) bool {
		if armed {
			return true
		}
		armed = true
		return false
	})
}

// WaitReady blocks until at least one socket is ready and returns every
// socket reported so far, deduplicated.
func (p *Poller) WaitReady() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.pending:
	case <-p.done:
		return nil, net.ErrClosed
	}

	seen := map[net.Conn]struct{}{first: {}}
	ready := []net.Conn{first}
	for {
		select {
		case conn := <-p.pending:
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops the poller. Watcher goroutines exit on their next wakeup.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}
