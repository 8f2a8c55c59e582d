// Package client provides the Go client for the DevConnect chat service:
// a reconnecting WebSocket transport, a shared connection manager with
// per-room join tracking, a per-chat session controller with optimistic
// sends and deduplication, and a REST client used for initial loads and as
// the fallback send path.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/devconnect/chat-service/internal/protocol"
)

// State is the lifecycle state of a Transport.
type State int

const (
	// StateDisconnected means no connection exists and no attempt is in
	// progress. The initial state, and the terminal state of a reconnect
	// cycle that ran out of attempts.
	StateDisconnected State = iota
	// StateConnecting means the first connection attempt is in progress.
	StateConnecting
	// StateConnected means the transport is usable.
	StateConnected
	// StateReconnecting means the connection dropped and the transport is
	// retrying in the background.
	StateReconnecting
	// StateClosed means Close was called. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by Emit when the transport has no live
	// connection. Callers fall back to the REST send path.
	ErrNotConnected = errors.New("client: transport not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: transport closed")
)

// TransportConfig holds the reconnection knobs for a Transport.
type TransportConfig struct {
	// ReconnectAttempts bounds how many times a dropped connection is
	// retried before the transport gives up and goes Disconnected.
	ReconnectAttempts int
	// ReconnectDelay is the pause between reconnection attempts.
	ReconnectDelay time.Duration
}

// DefaultTransportConfig returns the standard reconnection policy.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
	}
}

// Transport is a reconnecting WebSocket connection to the chat server. It
// dispatches incoming server messages to registered handlers and notifies
// state observers on every lifecycle transition, which lets the Manager
// re-join rooms after a reconnect.
type Transport struct {
	serverURL string
	identity  string
	cfg       TransportConfig

	mu        sync.Mutex
	conn      net.Conn
	state     State
	sessionID string
	handlers  map[string]func(json.RawMessage)
	observers []func(State)
	done      chan struct{}
	gen       int
}

// NewTransport creates a transport for the given WebSocket URL and caller
// identity. No connection is made until Connect.
func NewTransport(serverURL, identity string, cfg TransportConfig) *Transport {
	return &Transport{
		serverURL: serverURL,
		identity:  identity,
		cfg:       cfg,
		state:     StateDisconnected,
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read loop.
// It blocks until the connection is up or the context is done. Calling
// Connect on an already connected transport is a no-op. When the dial
// fails, Connect returns the error and the transport enters its normal
// reconnect cycle, so a later recovery reaches state observers the same
// way a dropped connection would.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	case StateConnected, StateConnecting, StateReconnecting:
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		// The dial failed, but the transport keeps retrying in the
		// background so callers can run degraded over REST and pick up
		// realtime when the server comes back.
		t.mu.Lock()
		if t.state == StateClosed {
			t.mu.Unlock()
			return ErrClosed
		}
		t.setStateLocked(StateReconnecting)
		t.mu.Unlock()
		go t.reconnect()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.gen++
	gen := t.gen
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	go t.readLoop(conn, gen)
	return nil
}

// dial opens the raw WebSocket connection, carrying the caller identity in
// the upgrade request's query string.
func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(t.serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("user", t.identity)
	u.RawQuery = q.Encode()

	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if br != nil {
		// Server frames that arrived coalesced with the 101 response sit
		// in the handshake reader. The server pushes session-created right
		// after the upgrade, so the read loop must consume the reader or
		// those frames are lost.
		conn = &preludeConn{Conn: conn, br: br}
	}
	return conn, nil
}

// preludeConn routes reads through the handshake's buffered reader so bytes
// the server sent before the dial returned are not dropped. Writes and
// deadlines go to the underlying connection.
type preludeConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *preludeConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// Emit sends a typed message to the server. It returns ErrNotConnected when
// the transport has no live connection, in which case the caller should use
// its REST fallback.
func (t *Transport) Emit(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return ErrClosed
	}
	if t.state != StateConnected || t.conn == nil {
		return ErrNotConnected
	}
	if err := wsutil.WriteClientMessage(t.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// On registers a handler for a server message type. The handler receives the
// full raw JSON and is invoked from the read loop goroutine, so it must not
// block. Registering a second handler for the same type replaces the first.
func (t *Transport) On(msgType string, handler func(json.RawMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = handler
}

// OnStateChange registers an observer invoked on every state transition.
func (t *Transport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// State returns the transport's current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether Emit would currently succeed.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// SessionID returns the server-assigned session ID, or "" before the
// session-created handshake completes.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Close tears the connection down and stops reconnection. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(StateClosed)
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// setStateLocked updates the state and notifies observers. Callers must hold
// t.mu; observers are invoked without the lock so they can call back into
// the transport.
func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	observers := make([]func(State), len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
	t.mu.Lock()
}

// readLoop reads frames until the connection drops, then hands off to the
// reconnect loop. gen guards against a stale loop for a superseded
// connection racing a newer one.
func (t *Transport) readLoop(conn net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.mu.Lock()
			if t.gen != gen || t.state == StateClosed {
				t.mu.Unlock()
				return
			}
			t.conn = nil
			t.setStateLocked(StateReconnecting)
			t.mu.Unlock()
			t.reconnect()
			return
		}
		t.dispatch(data)
	}
}

// dispatch decodes the type discriminator and routes the raw message to the
// registered handler. session-created is handled internally first so the
// session ID is always captured.
func (t *Transport) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Printf("client: drop unparseable frame: %v", err)
		return
	}

	if envelope.Type == protocol.TypeSessionCreated {
		var msg protocol.SessionCreatedMsg
		if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
			t.mu.Lock()
			t.sessionID = msg.SessionID
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	handler := t.handlers[envelope.Type]
	t.mu.Unlock()
	if handler != nil {
		handler(json.RawMessage(data))
	}
}

// reconnect retries the connection up to the configured attempt budget.
// On success the transport goes Connected and a fresh read loop starts; on
// exhaustion it goes Disconnected and stays there until Connect is called
// again.
func (t *Transport) reconnect() {
	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-t.done:
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			log.Printf("client: reconnect attempt %d/%d failed: %v",
				attempt, t.cfg.ReconnectAttempts, err)
			continue
		}

		t.mu.Lock()
		if t.state == StateClosed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.gen++
		gen := t.gen
		t.setStateLocked(StateConnected)
		t.mu.Unlock()

		go t.readLoop(conn, gen)
		return
	}

	log.Printf("client: reconnect gave up after %d attempts", t.cfg.ReconnectAttempts)
	t.mu.Lock()
	if t.state == StateReconnecting {
		t.setStateLocked(StateDisconnected)
	}
	t.mu.Unlock()
}
