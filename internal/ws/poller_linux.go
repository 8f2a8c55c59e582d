//go:build linux

package ws

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// pollBatch caps how many ready sockets one WaitReady call returns. Bursts
// beyond it surface on the next wait.
const pollBatch = 128

// Poller is the readiness notifier behind the event loop. On Linux it wraps
// an epoll instance: sockets are registered level-triggered for read
// readiness, so one goroutine can watch every connection instead of parking
// a reader goroutine per socket.
type Poller struct {
	epfd  int
	mu    sync.RWMutex
	conns map[int]net.Conn // registered sockets by descriptor
	batch []unix.EpollEvent
}

// LevelTriggered reports that an unread socket is re-reported on the next
// wait, so the read path only has to consume one frame per dispatch.
func (p *Poller) LevelTriggered() bool { return true }

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:  epfd,
		conns: make(map[int]net.Conn),
		batch: make([]unix.EpollEvent, pollBatch),
	}, nil
}

// Register adds a socket to the interest list for read readiness and
// hangup.
func (p *Poller) Register(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Unregister removes a socket from the interest list.
func (p *Poller) Unregister(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return nil
}

// WaitReady blocks until at least one registered socket is readable and
// returns the matching connections. Sockets unregistered between the epoll
// wakeup and the lookup are skipped.
func (p *Poller) WaitReady() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.batch, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.batch[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll descriptor. Registered sockets are not closed;
// the connection table owns their lifecycle.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return unix.Close(p.epfd)
}
