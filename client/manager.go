package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/devconnect/chat-service/internal/protocol"
)

// RealtimeTransport is the transport surface the Manager drives. *Transport
// satisfies it; tests substitute a fake.
type RealtimeTransport interface {
	Connect(ctx context.Context) error
	Emit(msgType string, payload interface{}) error
	On(msgType string, handler func(json.RawMessage))
	OnStateChange(fn func(State))
	State() State
	Close() error
}

// roomEvents receives the realtime events the Manager demultiplexes off the
// shared transport. Implemented by ChatSession.
type roomEvents interface {
	handleNewMessage(msg protocol.Message)
	handleAck(messageID string)
	handleSendError(messageID, code, reason string)
}

// Manager owns the single shared transport for a client process and tracks
// which rooms are joined. Joins are reference counted: several chat windows
// can hold the same room open, and the server-side leave is only sent when
// the last one closes. After a reconnect the manager re-joins every room
// still held, so subscriptions survive connection drops.
//
// The manager also demultiplexes incoming events: the transport supports
// one handler per message type, so the manager registers once and routes
// new-message and ack events to the session bound to their room.
type Manager struct {
	transport RealtimeTransport

	mu        sync.Mutex
	refs      map[string]int
	sessions  map[string][]roomEvents
	connected bool
}

// NewManager wraps a transport. The transport is not connected until the
// first Join (or an explicit Connect).
func NewManager(t RealtimeTransport) *Manager {
	m := &Manager{
		transport: t,
		refs:      make(map[string]int),
		sessions:  make(map[string][]roomEvents),
	}
	t.OnStateChange(m.onStateChange)
	t.On(protocol.TypeNewMessage, m.routeNewMessage)
	t.On(protocol.TypeAck, m.routeAck)
	t.On(protocol.TypeError, m.routeError)
	return m
}

// bind attaches a session to a room's event stream.
func (m *Manager) bind(chatID string, s roomEvents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[chatID] = append(m.sessions[chatID], s)
}

// unbind detaches a session from a room's event stream.
func (m *Manager) unbind(chatID string, s roomEvents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bound := m.sessions[chatID]
	for i, b := range bound {
		if b == s {
			m.sessions[chatID] = append(bound[:i], bound[i+1:]...)
			break
		}
	}
	if len(m.sessions[chatID]) == 0 {
		delete(m.sessions, chatID)
	}
}

func (m *Manager) boundTo(chatID string) []roomEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]roomEvents, len(m.sessions[chatID]))
	copy(out, m.sessions[chatID])
	return out
}

func (m *Manager) routeNewMessage(raw json.RawMessage) {
	var msg protocol.NewMessageMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("client: drop malformed new-message: %v", err)
		return
	}
	for _, s := range m.boundTo(msg.ChatID) {
		s.handleNewMessage(msg.Message)
	}
}

func (m *Manager) routeAck(raw json.RawMessage) {
	var msg protocol.AckMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("client: drop malformed ack: %v", err)
		return
	}
	for _, s := range m.boundTo(msg.ChatID) {
		s.handleAck(msg.MessageID)
	}
}

// routeError fans server errors to every bound session: error frames carry
// no room ID, so each session matches against its own pending message IDs.
func (m *Manager) routeError(raw json.RawMessage) {
	var msg protocol.ErrorMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("client: drop malformed error: %v", err)
		return
	}
	if msg.MessageID == "" {
		log.Printf("client: server error %s: %s", msg.Code, msg.Message)
		return
	}
	m.mu.Lock()
	var all []roomEvents
	for _, bound := range m.sessions {
		all = append(all, bound...)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.handleSendError(msg.MessageID, msg.Code, msg.Message)
	}
}

// Transport exposes the underlying transport for handler registration.
func (m *Manager) Transport() RealtimeTransport {
	return m.transport
}

// Connect brings the shared transport up. It is idempotent; Join calls it
// implicitly.
func (m *Manager) Connect(ctx context.Context) error {
	return m.transport.Connect(ctx)
}

// Join registers interest in a room. The first holder triggers the
// server-side join; later holders only bump the reference count. A failed
// connect is not fatal: the hold is still recorded and Join returns
// ErrNotConnected, so callers can serve REST-loaded state while the
// transport retries. The re-join on the next Connected transition brings
// realtime back for every held room.
func (m *Manager) Join(ctx context.Context, chatID string) error {
	err := m.transport.Connect(ctx)
	if errors.Is(err, ErrClosed) {
		return err
	}

	m.mu.Lock()
	m.refs[chatID]++
	first := m.refs[chatID] == 1
	m.mu.Unlock()

	if err != nil {
		return ErrNotConnected
	}
	if !first {
		return nil
	}
	return m.emitJoin(chatID)
}

// Leave drops one holder's interest in a room. The server-side leave is
// sent only when the count reaches zero. Leaving a room with no holders is
// a no-op.
func (m *Manager) Leave(chatID string) error {
	m.mu.Lock()
	n, ok := m.refs[chatID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	n--
	if n <= 0 {
		delete(m.refs, chatID)
	} else {
		m.refs[chatID] = n
	}
	last := n <= 0
	m.mu.Unlock()

	if !last {
		return nil
	}
	err := m.transport.Emit(protocol.TypeLeaveChat, protocol.LeaveChatMsg{ChatID: chatID})
	if err == ErrNotConnected || err == ErrClosed {
		// Nothing to leave on the server side without a connection.
		return nil
	}
	return err
}

// Holders returns the current reference count for a room.
func (m *Manager) Holders(chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[chatID]
}

// Close tears down the shared transport. Room reference counts are cleared;
// the server drops the connection's joins itself.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.refs = make(map[string]int)
	m.mu.Unlock()
	return m.transport.Close()
}

func (m *Manager) emitJoin(chatID string) error {
	return m.transport.Emit(protocol.TypeJoinChat, protocol.JoinChatMsg{ChatID: chatID})
}

// onStateChange re-joins every held room when the transport comes back up.
// The server's room table is per connection, so a reconnect starts empty.
func (m *Manager) onStateChange(s State) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = s == StateConnected
	var rooms []string
	if s == StateConnected && !wasConnected {
		for chatID := range m.refs {
			rooms = append(rooms, chatID)
		}
	}
	m.mu.Unlock()

	for _, chatID := range rooms {
		if err := m.emitJoin(chatID); err != nil {
			log.Printf("client: re-join %s after reconnect: %v", chatID, err)
		}
	}
}
