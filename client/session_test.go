package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/devconnect/chat-service/internal/protocol"
)

// fakeTransport implements RealtimeTransport in memory so manager and
// session behavior can be tested without a server.
type fakeTransport struct {
	mu         sync.Mutex
	state      State
	emitted    []fakeEmit
	handlers   map[string]func(json.RawMessage)
	observers  []func(State)
	emitErr    error
	connectErr error
}

type fakeEmit struct {
	msgType string
	payload interface{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:    StateDisconnected,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.setState(StateConnected)
	return nil
}

func (f *fakeTransport) Emit(msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, fakeEmit{msgType: msgType, payload: payload})
	return nil
}

func (f *fakeTransport) On(msgType string, handler func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = handler
}

func (f *fakeTransport) OnStateChange(fn func(State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Close() error {
	f.setState(StateClosed)
	return nil
}

func (f *fakeTransport) setState(s State) {
	f.mu.Lock()
	f.state = s
	observers := append([]func(State){}, f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// deliver injects a server message into the registered handler, the way the
// read loop would.
func (f *fakeTransport) deliver(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	f.mu.Lock()
	handler := f.handlers[msgType]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler registered for %s", msgType)
	}
	handler(json.RawMessage(data))
}

func (f *fakeTransport) emits(msgType string) []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEmit
	for _, e := range f.emitted {
		if e.msgType == msgType {
			out = append(out, e)
		}
	}
	return out
}

// historyServer serves a fixed message log and records posted messages.
func historyServer(t *testing.T, history []protocol.Message) (*httptest.Server, *[]string) {
	t.Helper()
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string][]protocol.Message{"messages": history})
		case http.MethodPost:
			var body struct {
				Content string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			posted = append(posted, body.Content)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"message": protocol.NewMessage(body.Content, r.Header.Get("X-User-ID")),
				"success": true,
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &posted
}

func openTestChat(t *testing.T, ft *fakeTransport, history []protocol.Message) *ChatSession {
	t.Helper()
	srv, _ := historyServer(t, history)
	m := NewManager(ft)
	rest := NewRESTClient(srv.URL, "alice@x.com")
	s, err := OpenChat(context.Background(), m, rest, "room-1", "alice@x.com")
	if err != nil {
		t.Fatalf("open chat: %v", err)
	}
	return s
}

func TestJoinRefCounting(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft)
	ctx := context.Background()

	if err := m.Join(ctx, "room-1"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := m.Join(ctx, "room-1"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if got := len(ft.emits(protocol.TypeJoinChat)); got != 1 {
		t.Fatalf("expected 1 join-chat emit for 2 holders, got %d", got)
	}

	if err := m.Leave("room-1"); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if got := len(ft.emits(protocol.TypeLeaveChat)); got != 0 {
		t.Fatalf("leave-chat sent while a holder remains")
	}
	if err := m.Leave("room-1"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if got := len(ft.emits(protocol.TypeLeaveChat)); got != 1 {
		t.Fatalf("expected 1 leave-chat emit, got %d", got)
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft)
	if err := m.Join(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	ft.setState(StateReconnecting)
	ft.setState(StateConnected)

	if got := len(ft.emits(protocol.TypeJoinChat)); got != 2 {
		t.Fatalf("expected re-join after reconnect, got %d join emits", got)
	}
}

func TestHistoryLoadsNewestFirst(t *testing.T) {
	history := []protocol.Message{
		{ID: "1-a", Content: "first", SenderID: "bob@x.com", Timestamp: 1},
		{ID: "2-b", Content: "second", SenderID: "bob@x.com", Timestamp: 2},
	}
	s := openTestChat(t, newFakeTransport(), history)

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "2-b" || msgs[1].ID != "1-a" {
		t.Fatalf("expected newest first, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestIncomingMessageDeduplicated(t *testing.T) {
	ft := newFakeTransport()
	s := openTestChat(t, ft, nil)

	msg := protocol.Message{ID: "3-c", Content: "hi", SenderID: "bob@x.com", Timestamp: 3}
	for i := 0; i < 2; i++ {
		ft.deliver(t, protocol.TypeNewMessage, protocol.NewMessageMsg{
			ChatID:  "room-1",
			Message: msg,
		})
	}

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected duplicate broadcast collapsed, got %d messages", got)
	}
}

func TestOptimisticSendConfirmedByAck(t *testing.T) {
	ft := newFakeTransport()
	s := openTestChat(t, ft, nil)

	id, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != DeliveryPending {
		t.Fatalf("expected 1 pending message, got %+v", msgs)
	}

	ft.deliver(t, protocol.TypeAck, protocol.AckMsg{ChatID: "room-1", MessageID: id})
	if got := s.Messages()[0].Delivery; got != DeliveryConfirmed {
		t.Fatalf("expected confirmed after ack, got %s", got)
	}
}

func TestOptimisticSendConfirmedByEcho(t *testing.T) {
	ft := newFakeTransport()
	s := openTestChat(t, ft, nil)

	id, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ft.deliver(t, protocol.TypeNewMessage, protocol.NewMessageMsg{
		ChatID:  "room-1",
		Message: protocol.Message{ID: id, Content: "hello", SenderID: "alice@x.com"},
	})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("echo duplicated the optimistic entry: %d messages", len(msgs))
	}
	if msgs[0].Delivery != DeliveryConfirmed {
		t.Fatalf("expected confirmed after echo, got %s", msgs[0].Delivery)
	}
}

func TestSendErrorMarksFailed(t *testing.T) {
	ft := newFakeTransport()
	s := openTestChat(t, ft, nil)

	id, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ft.deliver(t, protocol.TypeError, protocol.ErrorMsg{
		Code:      protocol.CodeRateLimited,
		Message:   "slow down",
		MessageID: id,
	})

	got := s.Messages()[0]
	if got.Delivery != DeliveryFailed {
		t.Fatalf("expected failed after error, got %s", got.Delivery)
	}
	if got.FailureReason == "" {
		t.Fatal("expected a failure reason")
	}
}

func TestSendFallsBackToREST(t *testing.T) {
	ft := newFakeTransport()
	srv, posted := historyServer(t, nil)
	m := NewManager(ft)
	rest := NewRESTClient(srv.URL, "alice@x.com")
	s, err := OpenChat(context.Background(), m, rest, "room-1", "alice@x.com")
	if err != nil {
		t.Fatalf("open chat: %v", err)
	}

	ft.mu.Lock()
	ft.emitErr = ErrNotConnected
	ft.mu.Unlock()

	id, err := s.Send(context.Background(), "offline message")
	if err != nil {
		t.Fatalf("fallback send: %v", err)
	}
	if len(*posted) != 1 || (*posted)[0] != "offline message" {
		t.Fatalf("expected REST send, posted=%v", *posted)
	}

	got := s.Messages()[0]
	if got.Delivery != DeliveryConfirmed {
		t.Fatalf("expected confirmed after REST send, got %s", got.Delivery)
	}
	// The server assigns the ID on the fallback path.
	if got.ID != id {
		t.Fatalf("returned id %q does not match list entry %q", id, got.ID)
	}
}

func TestSendDualFailureDropsEntry(t *testing.T) {
	ft := newFakeTransport()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "store unavailable"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]protocol.Message{"messages": nil})
	}))
	defer srv.Close()

	m := NewManager(ft)
	rest := NewRESTClient(srv.URL, "alice@x.com")
	s, err := OpenChat(context.Background(), m, rest, "room-1", "alice@x.com")
	if err != nil {
		t.Fatalf("open chat: %v", err)
	}

	ft.mu.Lock()
	ft.emitErr = errors.New("write: broken pipe")
	ft.mu.Unlock()

	id, err := s.Send(context.Background(), "lost either way")
	if err == nil {
		t.Fatal("expected an error when both send paths fail")
	}
	if id != "" {
		t.Fatalf("expected empty id for an unsent message, got %q", id)
	}
	// The message never reached the server; nothing should linger locally.
	if got := s.Messages(); len(got) != 0 {
		t.Fatalf("expected optimistic entry removed, got %+v", got)
	}
}

func TestOpenChatDegradedWhenDialFails(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	history := []protocol.Message{
		{ID: "1-a", Content: "still readable", SenderID: "bob@x.com", Timestamp: 1},
	}
	srv, _ := historyServer(t, history)

	m := NewManager(ft)
	rest := NewRESTClient(srv.URL, "alice@x.com")
	s, err := OpenChat(context.Background(), m, rest, "room-1", "alice@x.com")
	if err != nil {
		t.Fatalf("expected a degraded session while the transport is down, got %v", err)
	}
	if got := s.Messages(); len(got) != 1 || got[0].ID != "1-a" {
		t.Fatalf("expected REST-loaded history, got %+v", got)
	}
	if m.Holders("room-1") != 1 {
		t.Fatalf("expected the hold recorded for the reconnect re-join")
	}

	// The transport recovers; the held room is joined on the transition.
	ft.mu.Lock()
	ft.connectErr = nil
	ft.mu.Unlock()
	ft.setState(StateConnected)

	if got := len(ft.emits(protocol.TypeJoinChat)); got != 1 {
		t.Fatalf("expected join-chat after recovery, got %d emits", got)
	}
}

func TestSendAfterCloseRejected(t *testing.T) {
	ft := newFakeTransport()
	s := openTestChat(t, ft, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Send(context.Background(), "too late"); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
