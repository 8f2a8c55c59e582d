// Package message provides the Redis-backed message store for DevConnect
// chats. Each room has an append-only message log and a member set, and each
// identity has a membership index used to answer "list my chats":
//
//	Key: chat:<roomID>:messages   List of JSON-encoded messages (RPUSH order)
//	Key: chat:<roomID>:members    Set of participant identities
//	Key: user:<identity>:chats    Set of room IDs the identity belongs to
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/devconnect/chat-service/internal/protocol"
)

const (
	// ChatPrefix is the Redis key prefix for per-room keys.
	ChatPrefix = "chat:"

	// UserPrefix is the Redis key prefix for per-identity keys.
	UserPrefix = "user:"

	messagesSuffix = ":messages"
	membersSuffix  = ":members"
	chatsSuffix    = ":chats"
)

// ErrTooFewParticipants is returned when a chat is created with fewer than
// two distinct participant identities.
var ErrTooFewParticipants = errors.New("message: chat requires at least 2 distinct participants")

// Store manages chat messages and membership in Redis. It performs no
// retries; Redis errors surface to the caller, which decides whether the
// operation is retryable.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a message store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// CreateChat records the room's member set and adds the room ID to every
// participant's membership index in a single pipeline. Participants must
// contain at least 2 distinct identities.
func (s *Store) CreateChat(ctx context.Context, roomID string, participants []string) error {
	distinct := dedupe(participants)
	if len(distinct) < 2 {
		return ErrTooFewParticipants
	}

	pipe := s.rdb.Pipeline()
	membersKey := ChatPrefix + roomID + membersSuffix
	for _, p := range distinct {
		pipe.SAdd(ctx, membersKey, p)
		pipe.SAdd(ctx, UserPrefix+p+chatsSuffix, roomID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("message: create chat %s: %w", roomID, err)
	}
	return nil
}

// AddMessage appends a message to the room's log. The store does not enforce
// uniqueness of the message ID; deduplication is the consumer's job.
func (s *Store) AddMessage(ctx context.Context, roomID string, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("message: marshal message %s: %w", msg.ID, err)
	}

	key := ChatPrefix + roomID + messagesSuffix
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("message: append to chat %s: %w", roomID, err)
	}
	return nil
}

// GetMessages returns all stored messages for the room in insertion order
// (oldest first). A room with no messages yields an empty slice, not an
// error.
func (s *Store) GetMessages(ctx context.Context, roomID string) ([]protocol.Message, error) {
	key := ChatPrefix + roomID + messagesSuffix
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("message: read chat %s: %w", roomID, err)
	}

	msgs := make([]protocol.Message, 0, len(raw))
	for _, entry := range raw {
		var m protocol.Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			return nil, fmt.Errorf("message: corrupt entry in chat %s: %w", roomID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// GetUserChats returns the membership index entry for the identity: the IDs
// of every room it belongs to. An identity with no chats yields an empty
// slice, not an error.
func (s *Store) GetUserChats(ctx context.Context, identity string) ([]string, error) {
	chats, err := s.rdb.SMembers(ctx, UserPrefix+identity+chatsSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("message: read chats for %s: %w", identity, err)
	}
	return chats, nil
}

// GetChatMembers returns the participant identities recorded when the room
// was created.
func (s *Store) GetChatMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, ChatPrefix+roomID+membersSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("message: read members of chat %s: %w", roomID, err)
	}
	return members, nil
}

// IsMember reports whether the identity is a participant of the room.
func (s *Store) IsMember(ctx context.Context, roomID, identity string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, ChatPrefix+roomID+membersSuffix, identity).Result()
	if err != nil {
		return false, fmt.Errorf("message: membership check chat %s: %w", roomID, err)
	}
	return ok, nil
}

// dedupe returns the distinct non-empty identities, preserving first-seen
// order.
func dedupe(identities []string) []string {
	seen := make(map[string]bool, len(identities))
	out := make([]string, 0, len(identities))
	for _, id := range identities {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
