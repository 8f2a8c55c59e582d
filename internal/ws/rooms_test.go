package ws

import (
	"fmt"
	"sync"
	"testing"
)

func newConn(id string) *Connection {
	return &Connection{ID: id}
}

func TestRoomTable_JoinAndCount(t *testing.T) {
	rt := NewRoomTable()

	rt.Join("room1", newConn("c1"))
	rt.Join("room1", newConn("c2"))

	if n := rt.Count("room1"); n != 2 {
		t.Fatalf("expected 2 members, got %d", n)
	}
	if !rt.HasMember("room1", "c1") {
		t.Error("expected c1 to be a member")
	}
	if rt.HasMember("room1", "c3") {
		t.Error("did not expect c3 to be a member")
	}
}

func TestRoomTable_JoinTwiceIsNoOp(t *testing.T) {
	rt := NewRoomTable()
	c := newConn("c1")

	rt.Join("room1", c)
	rt.Join("room1", c)

	if n := rt.Count("room1"); n != 1 {
		t.Fatalf("expected 1 member after double join, got %d", n)
	}
}

func TestRoomTable_Leave(t *testing.T) {
	rt := NewRoomTable()
	rt.Join("room1", newConn("c1"))
	rt.Join("room1", newConn("c2"))

	rt.Leave("room1", "c1")
	if rt.HasMember("room1", "c1") {
		t.Error("expected c1 to have left")
	}
	if n := rt.Count("room1"); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}

	// Leaving a room never joined is a no-op.
	rt.Leave("room9", "c2")
	rt.Leave("room1", "never-joined")
	if n := rt.Count("room1"); n != 1 {
		t.Fatalf("expected count unchanged, got %d", n)
	}
}

func TestRoomTable_LeaveAll(t *testing.T) {
	rt := NewRoomTable()
	c := newConn("c1")
	rt.Join("room1", c)
	rt.Join("room2", c)
	rt.Join("room2", newConn("c2"))

	left := rt.LeaveAll("c1")
	if len(left) != 2 {
		t.Fatalf("expected 2 rooms left, got %v", left)
	}
	if rt.HasMember("room1", "c1") || rt.HasMember("room2", "c1") {
		t.Error("expected c1 removed from all rooms")
	}
	if !rt.HasMember("room2", "c2") {
		t.Error("expected c2 still joined to room2")
	}
}

func TestRoomTable_ConcurrentJoinLeave(t *testing.T) {
	rt := NewRoomTable()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			rt.Join("room1", newConn(id))
			rt.Leave("room1", id)
		}(i)
	}
	wg.Wait()

	if n := rt.Count("room1"); n != 0 {
		t.Fatalf("expected empty room after churn, got %d", n)
	}
}
