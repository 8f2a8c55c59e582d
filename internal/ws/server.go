// Package ws handles WebSocket connection management for the DevConnect
// realtime transport: upgrading HTTP connections, binding them to
// authenticated identities, tracking room membership, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/devconnect/chat-service/internal/metrics"
	"github.com/devconnect/chat-service/internal/protocol"
	"github.com/devconnect/chat-service/internal/ratelimit"
	"github.com/devconnect/chat-service/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	PingInterval   time.Duration // keepalive ping cadence
	IdleTimeout    time.Duration // max client silence before eviction; must exceed PingInterval
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		IdleTimeout:    40 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and a readiness
// poller (epoll on Linux, a portable runtime-poller fallback elsewhere).
// It upgrades HTTP connections to WebSocket, binds each to the caller's
// identity, and dispatches ready connections to a bounded worker pool for
// frame reading. One server process multiplexes every chat room its
// clients have joined.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnTable
	rooms        *RoomTable
	sessionStore *session.Store                      // Redis-backed session state
	limiter      *ratelimit.Limiter                  // throttles connection attempts per identity
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	bufPool      sync.Pool // pool of reusable read buffers
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client. The
// payload slice is pooled and reused after onMessage returns, so handlers
// must not retain it.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnTable(),
		rooms:        NewRoomTable(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
	if sessionStore != nil {
		s.limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	return s
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the readiness event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the readiness event loop in the background.
	go s.startEventLoop()

	// Start the idle sweeper to ping clients and evict dead connections.
	s.startSweeper()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// identityFromRequest extracts the authenticated caller identity from the
// upgrade request. Authentication itself is an external collaborator: by the
// time a request reaches this service the gateway has verified the identity
// and forwarded it in the X-User-ID header (a "user" query parameter is
// accepted for browser WebSocket clients, which cannot set headers).
func identityFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("user")
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. A plain GET without WebSocket upgrade
// headers answers 200 — clients probe the endpoint this way to verify the
// transport is initialized before dialing, and the probe is idempotent.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Initialization side-channel: no Upgrade header means this is the
	// pre-dial probe, not a connection attempt.
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"initialized": true})
		return
	}

	identity := identityFromRequest(r)
	if identity == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Throttle reconnect storms per identity.
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		allowed, _ := s.limiter.Allow(ctx, identity, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()
	c := NewConnection(connID, identity, conn, fd)

	// Register the connection in the table and the poller.
	s.conns.Add(c)
	if err := s.poller.Register(conn); err != nil {
		log.Printf("ws: poller register failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	// Create the connection session in Redis.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, connID, identity); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", connID, err)
		}
	}

	// Send session-created to the client.
	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: connID,
		UserID:    identity,
	})
	if err != nil {
		log.Printf("ws: failed to build session-created for conn %s: %v", connID, err)
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		log.Printf("ws: failed to send session-created for conn %s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", connID, identity, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by load balancers for
// health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes WebSocket frames.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.WaitReady()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// drainTimeout bounds the follow-up reads on edge-based pollers: once no
// more frames arrive within it, the buffered burst is drained.
const drainTimeout = 10 * time.Millisecond

// handleConn reads frames from a ready connection. With a level-triggered
// poller one frame per dispatch is enough, since unread data re-reports the
// socket; an edge-based poller reports each arrival once, so the whole
// buffered burst is drained before the worker is released.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.ByConn(netConn)
	if c == nil {
		return
	}

	// Duplicate dispatch for the same socket loses the claim and backs off.
	if !c.beginRead() {
		return
	}
	defer c.endRead()

	timeout := s.config.ReadTimeout
	for {
		if !s.readFrame(netConn, c, timeout) {
			return
		}
		if s.poller.LevelTriggered() {
			return
		}
		timeout = drainTimeout
	}
}

// readFrame reads one WebSocket frame using wsutil.NextReader, so control
// frames (ping, pong, close) are handled without blocking on a data frame
// that may never arrive. It reports whether the caller may try another read
// on this dispatch; a read failure removes the connection.
func (s *Server) readFrame(netConn net.Conn, c *Connection, timeout time.Duration) bool {
	if timeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(timeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was buffered: a stale dispatch or
		// the end of a drain. The idle sweeper owns dead-connection
		// detection, so the connection survives.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			_ = netConn.SetReadDeadline(time.Time{})
			return false
		}
		s.RemoveConnection(c)
		return false
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		// Pong/ping: connection is alive, nothing else to do.
		return true
	}

	// Read the payload into a pooled buffer. Safe because onMessage parses
	// synchronously and nothing downstream retains the slice.
	bp := s.bufPool.Get().(*[]byte)
	buf := *bp
	if int64(cap(buf)) < header.Length {
		buf = make([]byte, header.Length)
	}
	buf = buf[:header.Length]
	defer func() {
		*bp = buf[:cap(buf)]
		s.bufPool.Put(bp)
	}()

	if header.Length > 0 {
		if _, err := io.ReadFull(reader, buf); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(buf) > 0 && s.onMessage != nil {
		s.onMessage(c, buf)
	}
	return true
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, idle timeout, or graceful close). It is called
// after the connection has left its rooms but before the Redis session is
// deleted, so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the poller, the room table,
// and the connection table, and closes the underlying network connection.
// It is exported so the idle sweeper can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Unregister(c.Conn)

	// Guard: only proceed if the connection was actually in the table.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + idle timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	// Leave every joined room so broadcasts stop reaching the dead socket.
	if left := s.rooms.LeaveAll(c.ID); len(left) > 0 {
		log.Printf("ws: conn=%s left %d room(s) on disconnect", c.ID, len(left))
	}

	// Notify application layer before deleting session.
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	// Delete session from Redis.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., keepalive pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the connection table for external access to
// connection state (e.g., by the sweeper or session layer).
func (s *Server) Connections() *ConnTable {
	return s.conns
}

// Rooms returns the room table so message handlers can join, leave, and
// broadcast.
func (s *Server) Rooms() *RoomTable {
	return s.rooms
}

// SessionStore returns the Redis session store for external access (e.g., by
// message handlers that need to read or update session state).
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Delete all sessions from Redis and close all active WebSocket connections.
	for _, c := range s.conns.All() {
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.poller.Unregister(c.Conn)
		c.Close()
	}

	// Close the poller.
	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
