package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/devconnect/chat-service/internal/identity"
	"github.com/devconnect/chat-service/internal/protocol"
)

// RESTClient talks to the chat service's HTTP API. It is used for initial
// loads (chat list, members, history) and as the fallback send path when the
// realtime transport is down.
type RESTClient struct {
	baseURL  string
	identity string
	http     *http.Client
}

// NewRESTClient creates a REST client for the given base URL and caller
// identity.
func NewRESTClient(baseURL, callerIdentity string) *RESTClient {
	return &RESTClient{
		baseURL:  baseURL,
		identity: callerIdentity,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx response from the chat service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: api responded %d: %s", e.StatusCode, e.Message)
}

// ListChats returns the IDs of every chat the caller belongs to.
func (c *RESTClient) ListChats(ctx context.Context) ([]string, error) {
	var resp struct {
		Chats []string `json:"chats"`
	}
	// Identities are emails; a bare "+" in a query string decodes to a
	// space server-side.
	path := "/chats?userId=" + url.QueryEscape(c.identity)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// CreateChat creates a chat with the given participants and returns its ID.
// The caller identity must be among the participants.
func (c *RESTClient) CreateChat(ctx context.Context, participants ...string) (string, error) {
	body := map[string][]string{"participants": participants}
	var resp struct {
		ChatID string `json:"chatId"`
	}
	if err := c.do(ctx, http.MethodPost, "/chats", body, &resp); err != nil {
		return "", err
	}
	return resp.ChatID, nil
}

// GetMembers returns the display summaries of a chat's participants.
func (c *RESTClient) GetMembers(ctx context.Context, chatID string) ([]identity.UserSummary, error) {
	var resp struct {
		Members []identity.UserSummary `json:"members"`
	}
	path := fmt.Sprintf("/chats/%s/members", url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// GetMessages returns a chat's full message log, oldest first.
func (c *RESTClient) GetMessages(ctx context.Context, chatID string) ([]protocol.Message, error) {
	var resp struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := fmt.Sprintf("/chats/%s/messages", url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PostMessage sends a message over HTTP. The server assigns the message ID
// and timestamp, persists it, and fans it out to realtime subscribers.
func (c *RESTClient) PostMessage(ctx context.Context, chatID, content string) (protocol.Message, error) {
	body := map[string]string{"content": content}
	var resp struct {
		Message protocol.Message `json:"message"`
		Success bool             `json:"success"`
	}
	path := fmt.Sprintf("/chats/%s/messages", url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return protocol.Message{}, err
	}
	return resp.Message, nil
}

// do performs a JSON request with the identity header and decodes the
// response into out.
func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("X-User-ID", c.identity)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
	}
	return nil
}
