package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/devconnect/chat-service/internal/identity"
	"github.com/devconnect/chat-service/internal/message"
	"github.com/devconnect/chat-service/internal/metrics"
	"github.com/devconnect/chat-service/internal/protocol"
	"github.com/devconnect/chat-service/internal/ratelimit"
)

// handleListChats returns the membership index entry for the requested user.
// Callers may only list their own chats.
//
//	GET /chats?userId=<identity> -> {"chats": ["<roomID>", ...]}
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, caller string) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing userId parameter")
		return
	}
	if userID != caller {
		writeError(w, http.StatusForbidden, "cannot list another user's chats")
		return
	}

	chats, err := s.store.GetUserChats(r.Context(), userID)
	if err != nil {
		log.Printf("api: list chats for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "chat store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"chats": chats})
}

// handleCreateChat creates a chat room. The caller must be one of the
// participants.
//
//	POST /chats {"participants": ["a@x.com", "b@x.com"]} -> {"chatId": "..."}
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request, caller string) {
	var body struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	callerIncluded := false
	for _, p := range body.Participants {
		if p == caller {
			callerIncluded = true
			break
		}
	}
	if !callerIncluded {
		writeError(w, http.StatusForbidden, "caller must be a participant")
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), caller, ratelimit.RuleCreateChat); !ok {
			writeError(w, http.StatusTooManyRequests, "too many chats created")
			return
		}
	}

	chatID, err := s.registry.Start(r.Context(), body.Participants...)
	if err != nil {
		if errors.Is(err, message.ErrTooFewParticipants) {
			writeError(w, http.StatusBadRequest, "at least 2 distinct participants required")
			return
		}
		log.Printf("api: create chat: %v", err)
		writeError(w, http.StatusInternalServerError, "chat store unavailable")
		return
	}
	metrics.ChatsCreated.Inc()

	writeJSON(w, http.StatusOK, map[string]string{"chatId": chatID})
}

// handleGetMembers returns the display summaries of a room's participants.
// Only members may look.
//
//	GET /chats/{chatID}/members -> {"members": [{"email": ..., "name": ...}]}
func (s *Server) handleGetMembers(w http.ResponseWriter, r *http.Request, caller string) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "missing chat id")
		return
	}

	if !s.authorizeMember(w, r, chatID, caller) {
		return
	}

	members, err := s.store.GetChatMembers(r.Context(), chatID)
	if err != nil {
		log.Printf("api: members of %s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "chat store unavailable")
		return
	}

	summaries, err := s.resolveMembers(r, members)
	if err != nil {
		log.Printf("api: resolve members of %s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "identity store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string][]identity.UserSummary{"members": summaries})
}

// resolveMembers maps identities to display summaries. Without a resolver,
// raw identities are returned so the chat still renders.
func (s *Server) resolveMembers(r *http.Request, members []string) ([]identity.UserSummary, error) {
	if s.resolver == nil {
		summaries := make([]identity.UserSummary, 0, len(members))
		for _, m := range members {
			summaries = append(summaries, identity.UserSummary{Email: m, Name: m})
		}
		return summaries, nil
	}
	return s.resolver.ResolveAll(r.Context(), members)
}

// handleGetMessages returns the room's full message log, oldest first.
//
//	GET /chats/{chatID}/messages -> {"messages": [...]}
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, caller string) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "missing chat id")
		return
	}

	if !s.authorizeMember(w, r, chatID, caller) {
		return
	}

	msgs, err := s.store.GetMessages(r.Context(), chatID)
	if err != nil {
		log.Printf("api: messages of %s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "chat store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string][]protocol.Message{"messages": msgs})
}

// handlePostMessage is the REST fallback send path. It performs the same
// persist-then-broadcast sequence as the realtime send-message handler, so a
// message sent while the caller's transport is down still reaches connected
// windows live.
//
//	POST /chats/{chatID}/messages {"content": "hi"} -> {"message": {...}, "success": true}
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, caller string) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "missing chat id")
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := message.ValidateContent(body.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.authorizeMember(w, r, chatID, caller) {
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), caller, ratelimit.RuleMessage); !ok {
			metrics.SendFailures.WithLabelValues("rest").Inc()
			writeError(w, http.StatusTooManyRequests, "message rate limit exceeded")
			return
		}
	}

	msg := protocol.NewMessage(body.Content, caller)
	if err := s.store.AddMessage(r.Context(), chatID, msg); err != nil {
		log.Printf("api: post message to %s: %v", chatID, err)
		metrics.SendFailures.WithLabelValues("rest").Inc()
		writeError(w, http.StatusInternalServerError, "chat store unavailable")
		return
	}
	metrics.MessagesTotal.WithLabelValues("rest").Inc()

	// Fan out to realtime subscribers; persistence already succeeded, so a
	// fanout failure is logged but does not fail the send.
	if s.broadcaster != nil {
		event, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
			ChatID:  chatID,
			Message: msg,
		})
		if err == nil {
			if err := s.broadcaster.PublishChatEvent(chatID, event); err != nil {
				log.Printf("api: fanout for %s: %v", chatID, err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": msg,
		"success": true,
	})
}

// authorizeMember writes a 403 (or 500 on store errors) and returns false
// when the caller is not a member of the room.
func (s *Server) authorizeMember(w http.ResponseWriter, r *http.Request, chatID, caller string) bool {
	ok, err := s.store.IsMember(r.Context(), chatID, caller)
	if err != nil {
		log.Printf("api: membership check %s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "chat store unavailable")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return false
	}
	return true
}
