package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. Outbound frames are
// serialized through a per-connection mutex; liveness is a single atomic
// timestamp shared by the read path and the idle sweeper, so neither side
// takes a lock to record or inspect activity.
type Connection struct {
	ID        string   // connection ID, also the Redis session key suffix
	UserID    string   // authenticated identity bound at upgrade time
	Conn      net.Conn // underlying TCP connection
	Fd        int      // socket descriptor, the event loop's lookup key
	CreatedAt time.Time

	lastActive atomic.Int64 // unix nanos of the last inbound frame
	reading    atomic.Bool  // true while a worker owns the read side
	writeMu    sync.Mutex
}

// NewConnection binds an upgraded socket to an identity. The connection
// starts out counted as active.
func NewConnection(id, userID string, conn net.Conn, fd int) *Connection {
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

// Touch records inbound activity. Any frame counts, control frames
// included, so a quiet client that answers pings stays alive.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleFor reports how long ago the client last produced a frame.
func (c *Connection) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

// beginRead claims the read side for one worker. Level-triggered readiness
// can dispatch the same connection twice; the loser backs off.
func (c *Connection) beginRead() bool {
	return c.reading.CompareAndSwap(false, true)
}

func (c *Connection) endRead() {
	c.reading.Store(false)
}

// WriteMessage sends a WebSocket text frame. The write mutex keeps
// concurrent senders from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9), which browsers
// answer automatically without application code.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnTable indexes live connections by ID and by socket descriptor. The
// descriptor index is how the event loop maps a ready net.Conn back to its
// Connection; everything else looks up by ID.
type ConnTable struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFD map[int]*Connection
}

// NewConnTable creates an empty ConnTable.
func NewConnTable() *ConnTable {
	return &ConnTable{
		byID: make(map[string]*Connection),
		byFD: make(map[int]*Connection),
	}
}

// Add registers a connection under both indexes.
func (ct *ConnTable) Add(c *Connection) {
	ct.mu.Lock()
	ct.byID[c.ID] = c
	ct.byFD[c.Fd] = c
	ct.mu.Unlock()
}

// Remove drops the connection with the given ID and closes its socket. It
// reports whether the connection was still registered; concurrent removers
// (read error racing the idle sweeper) see false and skip their cleanup.
func (ct *ConnTable) Remove(id string) bool {
	ct.mu.Lock()
	c, ok := ct.byID[id]
	if ok {
		delete(ct.byID, id)
		delete(ct.byFD, c.Fd)
	}
	ct.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection with the given ID, or nil.
func (ct *ConnTable) Get(id string) *Connection {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byID[id]
}

// ByConn resolves a raw net.Conn back to its Connection through the socket
// descriptor, or nil if the connection is gone.
func (ct *ConnTable) ByConn(conn net.Conn) *Connection {
	fd := socketFD(conn)
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byFD[fd]
}

// Count returns the number of live connections.
func (ct *ConnTable) Count() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.byID)
}

// All returns a snapshot of the live connections, safe to iterate without
// the table lock.
func (ct *ConnTable) All() []*Connection {
	ct.mu.RLock()
	out := make([]*Connection, 0, len(ct.byID))
	for _, c := range ct.byID {
		out = append(out, c)
	}
	ct.mu.RUnlock()
	return out
}

// socketFD extracts the socket descriptor from a net.Conn without
// duplicating it (net.Conn.File dups the descriptor, which would leave the
// copy invisible to the poller). Returns -1 for connections that do not
// expose one.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
