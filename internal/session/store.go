// Package session manages realtime connection sessions. Each WebSocket
// connection is bound to an authenticated identity at upgrade time; the
// session records that binding plus operational state (which server instance
// holds the connection, which rooms it has joined) in Redis.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for all connection session hashes.
	ConnPrefix = "conn:"

	// SessionTTL is the time-to-live for session keys in Redis. Activity
	// refreshes it; a connection that outlives the TTL without activity is
	// reaped by the idle sweeper anyway.
	SessionTTL = 1 * time.Hour
)

// Session represents one connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // authenticated identity (email)
	Server     string `redis:"server"`      // which server instance holds the connection
	Rooms      string `redis:"rooms"`       // comma-separated joined room IDs
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// JoinedRooms returns the joined room IDs as a slice.
func (s *Session) JoinedRooms() []string {
	if s.Rooms == "" {
		return nil
	}
	return strings.Split(s.Rooms, ",")
}

// Store manages connection sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new connection session bound to the given identity.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"rooms":       "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := ConnPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// AddRoom records that the connection joined a room and refreshes the TTL.
func (s *Store) AddRoom(ctx context.Context, connID, roomID string) error {
	session, err := s.Get(ctx, connID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session: connection %s not found", connID)
	}

	rooms := session.JoinedRooms()
	for _, r := range rooms {
		if r == roomID {
			return s.RefreshTTL(ctx, connID)
		}
	}
	rooms = append(rooms, roomID)
	return s.setRooms(ctx, connID, rooms)
}

// RemoveRoom records that the connection left a room.
func (s *Store) RemoveRoom(ctx context.Context, connID, roomID string) error {
	session, err := s.Get(ctx, connID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil // already gone, nothing to update
	}

	rooms := session.JoinedRooms()
	out := rooms[:0]
	for _, r := range rooms {
		if r != roomID {
			out = append(out, r)
		}
	}
	return s.setRooms(ctx, connID, out)
}

func (s *Store) setRooms(ctx context.Context, connID string, rooms []string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "rooms", strings.Join(rooms, ","), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the session's TTL and updates last activity.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
