package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListChatsEscapesIdentity(t *testing.T) {
	// "+" in an email survives only when the query value is escaped; a raw
	// "+" decodes to a space and the server then rejects the caller as
	// someone else.
	const caller = "alice+dev@x.com"

	var gotUserID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.URL.Query().Get("userId")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"chats": {"room-1"}})
	}))
	defer srv.Close()

	rest := NewRESTClient(srv.URL, caller)
	chats, err := rest.ListChats(context.Background())
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if gotUserID != caller {
		t.Fatalf("identity corrupted in transit: sent %q, server saw %q", caller, gotUserID)
	}
	if len(chats) != 1 || chats[0] != "room-1" {
		t.Fatalf("unexpected chats %v", chats)
	}
}

func TestGetMessagesEscapesChatID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": nil})
	}))
	defer srv.Close()

	rest := NewRESTClient(srv.URL, "alice@x.com")
	if _, err := rest.GetMessages(context.Background(), "room/with?odd"); err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if gotPath != "/chats/room%2Fwith%3Fodd/messages" {
		t.Fatalf("chat id not escaped in path: %q", gotPath)
	}
}
