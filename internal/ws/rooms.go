package ws

import (
	"sync"

	"github.com/devconnect/chat-service/internal/metrics"
)

// RoomTable tracks which connections have joined which rooms on this server
// instance. Broadcasts fan out through it; cross-instance delivery happens
// over NATS before reaching each instance's table.
type RoomTable struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Connection // roomID -> connID -> Connection
	byConn map[string]map[string]bool        // connID -> set of roomIDs
}

// NewRoomTable creates an empty RoomTable.
func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms:  make(map[string]map[string]*Connection),
		byConn: make(map[string]map[string]bool),
	}
}

// Join registers the connection as a member of the room. Joining a room the
// connection is already in is a no-op.
func (rt *RoomTable) Join(roomID string, conn *Connection) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	members, ok := rt.rooms[roomID]
	if !ok {
		members = make(map[string]*Connection)
		rt.rooms[roomID] = members
	}
	if _, already := members[conn.ID]; already {
		return
	}
	members[conn.ID] = conn

	joined, ok := rt.byConn[conn.ID]
	if !ok {
		joined = make(map[string]bool)
		rt.byConn[conn.ID] = joined
	}
	joined[roomID] = true

	metrics.JoinedRooms.Inc()
}

// Leave removes the connection from the room. Leaving a room the connection
// never joined is a no-op.
func (rt *RoomTable) Leave(roomID, connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.leaveLocked(roomID, connID)
}

// LeaveAll removes the connection from every room it joined and returns the
// IDs of those rooms. Called on disconnect.
func (rt *RoomTable) LeaveAll(connID string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	joined := rt.byConn[connID]
	roomIDs := make([]string, 0, len(joined))
	for roomID := range joined {
		roomIDs = append(roomIDs, roomID)
	}
	for _, roomID := range roomIDs {
		rt.leaveLocked(roomID, connID)
	}
	return roomIDs
}

func (rt *RoomTable) leaveLocked(roomID, connID string) {
	members, ok := rt.rooms[roomID]
	if !ok {
		return
	}
	if _, member := members[connID]; !member {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(rt.rooms, roomID)
	}

	if joined, ok := rt.byConn[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(rt.byConn, connID)
		}
	}

	metrics.JoinedRooms.Dec()
}

// Broadcast writes data to every connection currently joined to the room,
// the sender's own connection included. Write errors on individual
// connections are ignored; dead connections are reaped by the read path and
// the idle sweeper.
func (rt *RoomTable) Broadcast(roomID string, data []byte) {
	rt.mu.RLock()
	conns := make([]*Connection, 0, len(rt.rooms[roomID]))
	for _, conn := range rt.rooms[roomID] {
		conns = append(conns, conn)
	}
	rt.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(data)
	}
}

// Count returns the number of connections currently joined to the room.
func (rt *RoomTable) Count(roomID string) int {
	rt.mu.RLock()
	n := len(rt.rooms[roomID])
	rt.mu.RUnlock()
	return n
}

// HasMember reports whether the connection is currently joined to the room.
func (rt *RoomTable) HasMember(roomID, connID string) bool {
	rt.mu.RLock()
	_, ok := rt.rooms[roomID][connID]
	rt.mu.RUnlock()
	return ok
}
