package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devconnect/chat-service/internal/protocol"
)

// DeliveryState tracks an outgoing message through the optimistic send
// cycle.
type DeliveryState int

const (
	// DeliveryConfirmed means the server persisted the message: an ack, the
	// room broadcast echo, or a successful REST send arrived.
	DeliveryConfirmed DeliveryState = iota
	// DeliveryPending means the message was sent but not yet confirmed.
	DeliveryPending
	// DeliveryFailed means the server rejected the message. Messages that
	// never reach the server at all are removed from the list instead.
	DeliveryFailed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return fmt.Sprintf("delivery(%d)", int(d))
	}
}

// ChatMessage is a message as the session controller sees it: the wire
// message plus local delivery state. Incoming messages are always
// DeliveryConfirmed; only the caller's own sends pass through
// DeliveryPending.
type ChatMessage struct {
	protocol.Message
	Delivery      DeliveryState
	FailureReason string
}

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("client: chat session closed")

// ChatSession is the controller behind one open chat window. It holds the
// room's messages newest first, deduplicates by message ID, sends
// optimistically over the realtime transport with a REST fallback, and
// tracks each outgoing message's delivery state.
type ChatSession struct {
	chatID   string
	identity string
	manager  *Manager
	rest     *RESTClient

	mu       sync.Mutex
	msgs     []ChatMessage // newest first
	seen     map[string]bool
	closed   bool
	onUpdate func()
}

// OpenChat joins the room, loads its history over REST, and returns a live
// session. The session is bound to the room's event stream before history
// loads, so messages arriving during the load are not missed; duplicates
// are collapsed by message ID.
func OpenChat(ctx context.Context, manager *Manager, rest *RESTClient, chatID, callerIdentity string) (*ChatSession, error) {
	s := &ChatSession{
		chatID:   chatID,
		identity: callerIdentity,
		manager:  manager,
		rest:     rest,
		seen:     make(map[string]bool),
	}

	manager.bind(chatID, s)
	if err := manager.Join(ctx, chatID); err != nil && !errors.Is(err, ErrNotConnected) {
		manager.unbind(chatID, s)
		_ = manager.Leave(chatID)
		return nil, err
	}

	history, err := rest.GetMessages(ctx, chatID)
	if err != nil {
		manager.unbind(chatID, s)
		_ = manager.Leave(chatID)
		return nil, fmt.Errorf("client: load history for %s: %w", chatID, err)
	}

	s.mu.Lock()
	// History arrives oldest first; walk it in order so each append lands
	// newest first without disturbing messages already received live.
	for _, m := range history {
		if s.seen[m.ID] {
			continue
		}
		s.prependLocked(ChatMessage{Message: m, Delivery: DeliveryConfirmed})
	}
	s.mu.Unlock()

	return s, nil
}

// ChatID returns the room this session is bound to.
func (s *ChatSession) ChatID() string {
	return s.chatID
}

// Messages returns a snapshot of the session's messages, newest first.
func (s *ChatSession) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// OnUpdate registers a callback invoked whenever the message list changes.
// The callback runs without the session lock held.
func (s *ChatSession) OnUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Send sends a message. The message appears in the list immediately as
// DeliveryPending; it moves to DeliveryConfirmed when the server ack or the
// room broadcast arrives. When the realtime transport is down the send goes
// over REST instead, in which case the server assigns the message ID. If
// both paths fail the optimistic entry is removed and Send returns the
// error with an empty ID. Otherwise it returns the ID of the message as it
// appears in the list.
func (s *ChatSession) Send(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	msg := protocol.NewMessage(content, s.identity)
	s.prependLocked(ChatMessage{Message: msg, Delivery: DeliveryPending})
	s.mu.Unlock()
	s.notify()

	err := s.manager.Transport().Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID:  s.chatID,
		Message: msg,
	})
	if err == nil {
		return msg.ID, nil
	}

	// Realtime path is down; fall back to the REST send. The server assigns
	// a fresh ID there, so the pending entry is rewritten to match and the
	// eventual broadcast echo deduplicates against it.
	sent, restErr := s.rest.PostMessage(ctx, s.chatID, content)
	if restErr != nil {
		// Neither path accepted the message, so it never reached the
		// server. The optimistic entry comes back out of the list rather
		// than lingering as a ghost the server knows nothing about.
		s.mu.Lock()
		s.removeLocked(msg.ID)
		s.mu.Unlock()
		s.notify()
		return "", fmt.Errorf("client: send to %s failed on both paths: %w", s.chatID, restErr)
	}

	s.mu.Lock()
	s.updateLocked(msg.ID, func(m *ChatMessage) {
		delete(s.seen, m.ID)
		s.seen[sent.ID] = true
		m.Message = sent
		m.Delivery = DeliveryConfirmed
	})
	s.mu.Unlock()
	s.notify()
	return sent.ID, nil
}

// Close detaches the session from the room's event stream and releases its
// hold on the room. The server-side leave happens only when this was the
// room's last open session.
func (s *ChatSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.manager.unbind(s.chatID, s)
	return s.manager.Leave(s.chatID)
}

// handleNewMessage is invoked by the manager for each room broadcast. A
// broadcast carrying an ID already in the list is the echo of our own send
// and confirms it.
func (s *ChatSession) handleNewMessage(msg protocol.Message) {
	s.mu.Lock()
	if s.seen[msg.ID] {
		s.updateLocked(msg.ID, func(m *ChatMessage) {
			if m.Delivery == DeliveryPending {
				m.Delivery = DeliveryConfirmed
			}
		})
	} else {
		s.prependLocked(ChatMessage{Message: msg, Delivery: DeliveryConfirmed})
	}
	s.mu.Unlock()
	s.notify()
}

// handleAck confirms a pending send.
func (s *ChatSession) handleAck(messageID string) {
	s.mu.Lock()
	s.updateLocked(messageID, func(m *ChatMessage) {
		if m.Delivery == DeliveryPending {
			m.Delivery = DeliveryConfirmed
		}
	})
	s.mu.Unlock()
	s.notify()
}

// handleSendError marks a pending send failed. Error frames carry no room
// ID, so this is called on every session; sessions that never sent the
// message ignore it.
func (s *ChatSession) handleSendError(messageID, code, reason string) {
	s.mu.Lock()
	touched := false
	s.updateLocked(messageID, func(m *ChatMessage) {
		if m.Delivery == DeliveryPending {
			m.Delivery = DeliveryFailed
			m.FailureReason = fmt.Sprintf("%s: %s", code, reason)
			touched = true
		}
	})
	s.mu.Unlock()
	if touched {
		s.notify()
	}
}

// prependLocked adds a message at the head of the list and records its ID.
func (s *ChatSession) prependLocked(m ChatMessage) {
	s.seen[m.ID] = true
	s.msgs = append(s.msgs, ChatMessage{})
	copy(s.msgs[1:], s.msgs)
	s.msgs[0] = m
}

// removeLocked drops the message with the given ID from the list and
// forgets its ID.
func (s *ChatSession) removeLocked(messageID string) {
	delete(s.seen, messageID)
	for i := range s.msgs {
		if s.msgs[i].ID == messageID {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

// updateLocked applies fn to the message with the given ID, if present.
func (s *ChatSession) updateLocked(messageID string, fn func(*ChatMessage)) {
	for i := range s.msgs {
		if s.msgs[i].ID == messageID {
			fn(&s.msgs[i])
			return
		}
	}
}

func (s *ChatSession) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
