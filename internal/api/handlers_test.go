package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devconnect/chat-service/internal/message"
	"github.com/devconnect/chat-service/internal/protocol"
)

type fakeStore struct {
	messages map[string][]protocol.Message
	members  map[string][]string
	byUser   map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string][]protocol.Message),
		members:  make(map[string][]string),
		byUser:   make(map[string][]string),
	}
}

func (f *fakeStore) addRoom(roomID string, members ...string) {
	f.members[roomID] = members
	for _, m := range members {
		f.byUser[m] = append(f.byUser[m], roomID)
	}
}

func (f *fakeStore) AddMessage(_ context.Context, roomID string, msg protocol.Message) error {
	f.messages[roomID] = append(f.messages[roomID], msg)
	return nil
}

func (f *fakeStore) GetMessages(_ context.Context, roomID string) ([]protocol.Message, error) {
	return f.messages[roomID], nil
}

func (f *fakeStore) GetUserChats(_ context.Context, identity string) ([]string, error) {
	return f.byUser[identity], nil
}

func (f *fakeStore) GetChatMembers(_ context.Context, roomID string) ([]string, error) {
	return f.members[roomID], nil
}

func (f *fakeStore) IsMember(_ context.Context, roomID, identity string) (bool, error) {
	for _, m := range f.members[roomID] {
		if m == identity {
			return true, nil
		}
	}
	return false, nil
}

type fakeRegistry struct {
	store *fakeStore
	next  string
	err   error
}

func (f *fakeRegistry) Start(_ context.Context, participants ...string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	seen := make(map[string]bool)
	distinct := participants[:0:0]
	for _, p := range participants {
		if !seen[p] {
			seen[p] = true
			distinct = append(distinct, p)
		}
	}
	if len(distinct) < 2 {
		return "", message.ErrTooFewParticipants
	}
	f.store.addRoom(f.next, distinct...)
	return f.next, nil
}

type fakeBroadcaster struct {
	published [][]byte
}

func (f *fakeBroadcaster) PublishChatEvent(_ string, data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func newTestServer(store *fakeStore) (*Server, *fakeBroadcaster) {
	bc := &fakeBroadcaster{}
	srv := NewServer(store, &fakeRegistry{store: store, next: "room-1"}, nil, bc, nil)
	return srv, bc
}

func doRequest(t *testing.T, h http.Handler, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	if caller != "" {
		req.Header.Set("X-User-ID", caller)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMissingIdentityRejected(t *testing.T) {
	srv, _ := newTestServer(newFakeStore())
	rec := doRequest(t, srv.Handler(), "GET", "/chats?userId=alice@x.com", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListChatsOwnOnly(t *testing.T) {
	store := newFakeStore()
	store.addRoom("room-1", "alice@x.com", "bob@x.com")
	srv, _ := newTestServer(store)
	h := srv.Handler()

	rec := doRequest(t, h, "GET", "/chats?userId=alice@x.com", "alice@x.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Chats []string `json:"chats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Chats) != 1 || resp.Chats[0] != "room-1" {
		t.Fatalf("unexpected chats: %v", resp.Chats)
	}

	rec = doRequest(t, h, "GET", "/chats?userId=alice@x.com", "bob@x.com", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing another user's chats, got %d", rec.Code)
	}
}

func TestCreateChat(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/chats", "alice@x.com",
		`{"participants": ["alice@x.com", "bob@x.com"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ChatID != "room-1" {
		t.Fatalf("unexpected chat id %q", resp.ChatID)
	}
	if ok, _ := store.IsMember(context.Background(), "room-1", "bob@x.com"); !ok {
		t.Fatal("bob should be a member of the created chat")
	}
}

func TestCreateChatTooFewParticipants(t *testing.T) {
	srv, _ := newTestServer(newFakeStore())
	rec := doRequest(t, srv.Handler(), "POST", "/chats", "alice@x.com",
		`{"participants": ["alice@x.com", "alice@x.com"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate-only participants, got %d", rec.Code)
	}
}

func TestCreateChatCallerNotParticipant(t *testing.T) {
	srv, _ := newTestServer(newFakeStore())
	rec := doRequest(t, srv.Handler(), "POST", "/chats", "carol@x.com",
		`{"participants": ["alice@x.com", "bob@x.com"]}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when caller not a participant, got %d", rec.Code)
	}
}

func TestGetMembersNonMemberForbidden(t *testing.T) {
	store := newFakeStore()
	store.addRoom("room-1", "alice@x.com", "bob@x.com")
	srv, _ := newTestServer(store)
	h := srv.Handler()

	rec := doRequest(t, h, "GET", "/chats/room-1/members", "carol@x.com", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/chats/room-1/members", "alice@x.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for member, got %d", rec.Code)
	}
	var resp struct {
		Members []struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"members"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(resp.Members))
	}
	// No resolver configured: raw identities come back as both email and name.
	if resp.Members[0].Email != "alice@x.com" || resp.Members[0].Name != "alice@x.com" {
		t.Fatalf("unexpected member summary: %+v", resp.Members[0])
	}
}

func TestPostMessageFallback(t *testing.T) {
	store := newFakeStore()
	store.addRoom("room-1", "alice@x.com", "bob@x.com")
	srv, bc := newTestServer(store)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/chats/room-1/messages", "alice@x.com",
		`{"content": "hello from rest"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Message protocol.Message `json:"message"`
		Success bool             `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success=true")
	}
	if resp.Message.Content != "hello from rest" || resp.Message.SenderID != "alice@x.com" {
		t.Fatalf("unexpected message: %+v", resp.Message)
	}
	if resp.Message.ID == "" {
		t.Fatal("expected server-assigned message id")
	}

	msgs, _ := store.GetMessages(context.Background(), "room-1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}

	if len(bc.published) != 1 {
		t.Fatalf("expected 1 fanout event, got %d", len(bc.published))
	}
	msgType, parsed, err := protocol.ParseServerMessage(bc.published[0])
	if err != nil {
		t.Fatalf("parse fanout event: %v", err)
	}
	if msgType != protocol.TypeNewMessage {
		t.Fatalf("expected new-message event, got %q", msgType)
	}
	nm := parsed.(protocol.NewMessageMsg)
	if nm.ChatID != "room-1" || nm.Message.ID != resp.Message.ID {
		t.Fatalf("fanout event mismatch: %+v", nm)
	}
}

func TestPostMessageValidation(t *testing.T) {
	store := newFakeStore()
	store.addRoom("room-1", "alice@x.com", "bob@x.com")
	srv, _ := newTestServer(store)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/chats/room-1/messages", "alice@x.com",
		`{"content": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", rec.Code)
	}

	rec = doRequest(t, h, "POST", "/chats/room-1/messages", "carol@x.com",
		`{"content": "hi"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member sender, got %d", rec.Code)
	}
}

func TestGetMessagesEmptyRoom(t *testing.T) {
	store := newFakeStore()
	store.addRoom("room-1", "alice@x.com", "bob@x.com")
	srv, _ := newTestServer(store)

	rec := doRequest(t, srv.Handler(), "GET", "/chats/room-1/messages", "alice@x.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(resp.Messages))
	}
}
