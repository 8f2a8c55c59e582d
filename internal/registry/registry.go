// Package registry orchestrates chat room creation. It mints room IDs,
// validates the participant set, and writes membership through the message
// store. Authorization (the caller being one of the participants) is the
// API boundary's responsibility, not the registry's.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the subset of the message store the registry writes through.
type Store interface {
	CreateChat(ctx context.Context, roomID string, participants []string) error
}

// Registry creates chat rooms. It is the sole writer of room membership;
// membership is immutable after creation.
type Registry struct {
	store Store
}

// New creates a Registry writing through the given store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Start creates a chat room for the given participants and returns its ID.
// At least 2 distinct participants are required; validation is delegated to
// the store, which owns the membership write.
func (r *Registry) Start(ctx context.Context, participants ...string) (string, error) {
	roomID := NewRoomID(time.Now())
	if err := r.store.CreateChat(ctx, roomID, participants); err != nil {
		return "", err
	}
	return roomID, nil
}

// NewRoomID returns a time-based room identifier. The epoch-millisecond
// prefix keeps IDs roughly sortable by creation time; the UUID fragment
// guarantees IDs are never reused even within the same millisecond.
func NewRoomID(t time.Time) string {
	return fmt.Sprintf("%d-%s", t.UnixMilli(), uuid.NewString()[:8])
}
