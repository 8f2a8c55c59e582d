package registry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeStore records CreateChat calls and returns a configurable error.
type fakeStore struct {
	rooms map[string][]string
	err   error
}

func (f *fakeStore) CreateChat(ctx context.Context, roomID string, participants []string) error {
	if f.err != nil {
		return f.err
	}
	if f.rooms == nil {
		f.rooms = make(map[string][]string)
	}
	f.rooms[roomID] = participants
	return nil
}

func TestStart_CreatesRoom(t *testing.T) {
	store := &fakeStore{}
	reg := New(store)

	roomID, err := reg.Start(context.Background(), "alice@x.com", "bob@x.com")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if roomID == "" {
		t.Fatal("expected non-empty room id")
	}

	participants, ok := store.rooms[roomID]
	if !ok {
		t.Fatalf("store never saw room %q", roomID)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", participants)
	}
}

func TestStart_StoreErrorPropagates(t *testing.T) {
	storeErr := errors.New("redis down")
	reg := New(&fakeStore{err: storeErr})

	roomID, err := reg.Start(context.Background(), "alice@x.com", "bob@x.com")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if roomID != "" {
		t.Errorf("expected empty room id on error, got %q", roomID)
	}
}

func TestNewRoomID_TimeBased(t *testing.T) {
	now := time.Now()
	id := NewRoomID(now)

	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		t.Fatalf("expected \"<epoch_ms>-<suffix>\" format, got %q", id)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("prefix is not an integer: %v", err)
	}
	if ms != now.UnixMilli() {
		t.Errorf("expected prefix %d, got %d", now.UnixMilli(), ms)
	}
}

func TestNewRoomID_NeverReused(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRoomID(now)
		if seen[id] {
			t.Fatalf("room id reused: %q", id)
		}
		seen[id] = true
	}
}
