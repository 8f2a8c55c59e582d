// Package api serves the REST surface of the chat service: initial loads,
// chat creation, and the fallback send path used when a client's realtime
// transport is down. All endpoints require an authenticated caller identity
// and speak JSON.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/devconnect/chat-service/internal/identity"
	"github.com/devconnect/chat-service/internal/metrics"
	"github.com/devconnect/chat-service/internal/protocol"
	"github.com/devconnect/chat-service/internal/ratelimit"
)

// ChatStore is the message store surface the API reads and writes.
type ChatStore interface {
	AddMessage(ctx context.Context, roomID string, msg protocol.Message) error
	GetMessages(ctx context.Context, roomID string) ([]protocol.Message, error)
	GetUserChats(ctx context.Context, identity string) ([]string, error)
	GetChatMembers(ctx context.Context, roomID string) ([]string, error)
	IsMember(ctx context.Context, roomID, identity string) (bool, error)
}

// ChatRegistry creates chat rooms.
type ChatRegistry interface {
	Start(ctx context.Context, participants ...string) (string, error)
}

// IdentityResolver resolves opaque identities to display summaries.
type IdentityResolver interface {
	ResolveAll(ctx context.Context, identities []string) ([]identity.UserSummary, error)
}

// Broadcaster fans a persisted message out to realtime subscribers, so
// messages sent over the REST fallback still appear live in open chat
// windows. A nil Broadcaster disables fanout.
type Broadcaster interface {
	PublishChatEvent(roomID string, data []byte) error
}

// Limiter throttles message sends.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server holds the REST handlers and their collaborators.
type Server struct {
	store       ChatStore
	registry    ChatRegistry
	resolver    IdentityResolver
	broadcaster Broadcaster
	limiter     Limiter
}

// NewServer creates a REST API server. resolver, broadcaster, and limiter
// may be nil: members then return raw identities, REST sends skip realtime
// fanout, and sends are not throttled.
func NewServer(store ChatStore, registry ChatRegistry, resolver IdentityResolver, broadcaster Broadcaster, limiter Limiter) *Server {
	return &Server{
		store:       store,
		registry:    registry,
		resolver:    resolver,
		broadcaster: broadcaster,
		limiter:     limiter,
	}
}

// Handler returns the API's http.Handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats", s.requireIdentity(s.handleListChats))
	mux.HandleFunc("POST /chats", s.requireIdentity(s.handleCreateChat))
	mux.HandleFunc("GET /chats/{chatID}/members", s.requireIdentity(s.handleGetMembers))
	mux.HandleFunc("GET /chats/{chatID}/messages", s.requireIdentity(s.handleGetMessages))
	mux.HandleFunc("POST /chats/{chatID}/messages", s.requireIdentity(s.handlePostMessage))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// identityHandler is an http.HandlerFunc that also receives the
// authenticated caller identity.
type identityHandler func(w http.ResponseWriter, r *http.Request, caller string)

// requireIdentity extracts the caller identity forwarded by the gateway in
// the X-User-ID header and rejects requests without one. Session issuance
// and verification are an upstream concern; this service only consumes the
// resulting identity.
func (s *Server) requireIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-User-ID")
		if caller == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, caller)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
