package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tungmaiv/lumikb-client/internal/auth"
	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/httputil"
)

const (
	listCacheTTL = 15 * time.Second

	requestTimeout = 30 * time.Second
)

// ConversationSummary is one entry of the bounded conversation listing
type ConversationSummary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
	LastActivity time.Time `json:"last_activity"`
}

// Conversation is the full turn history of one conversation
type Conversation struct {
	ID    string            `json:"id"`
	KBID  string            `json:"kb_id"`
	Turns models.Transcript `json:"turns"`
}

// Client wraps the backend's session-lifecycle and listing endpoints. The
// streaming answer endpoint is NOT here - that is the stream reader's job.
// Conversation listings are cached briefly to keep the sidebar cheap.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	cache   *gocache.Cache
	logger  *slog.Logger
}

// NewClient creates an API client for the given backend base URL
func NewClient(baseURL string, httpClient *http.Client, tokens auth.TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		cache:   gocache.New(listCacheTTL, time.Minute),
		logger:  logger.With("component", "api"),
	}
}

// CreateConversation requests a fresh conversation id for a knowledge base
func (c *Client) CreateConversation(ctx context.Context, kbID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"kb_id": kbID}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/kbs/%s/conversations", kbID), body, &out); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	c.cache.Delete(listCacheKey(kbID))
	return out.ID, nil
}

// ListConversations returns the bounded list of past conversations for a
// knowledge base. Results are served from a short-lived cache.
func (c *Client) ListConversations(ctx context.Context, kbID string) ([]ConversationSummary, error) {
	key := listCacheKey(kbID)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]ConversationSummary), nil
	}

	var out struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/kbs/%s/conversations", kbID), nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	c.cache.Set(key, out.Conversations, gocache.DefaultExpiration)
	return out.Conversations, nil
}

// GetConversation returns the full turn history of one conversation
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID, nil, &out); err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &out, nil
}

// Poll fetches the current conversation transcript over plain
// request/response. This is the degraded polling mode's data source.
func (c *Client) Poll(ctx context.Context, conversationID string) (models.Transcript, error) {
	conv, err := c.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Turns, nil
}

// ClearSession asks the backend to clear the session's conversation.
// Idempotent server-side: clearing an already-empty conversation succeeds.
func (c *Client) ClearSession(ctx context.Context, kbID string) error {
	body := map[string]string{"kb_id": kbID}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/kbs/%s/session/clear", kbID), body, nil); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// UndoClear asks the backend to restore the last cleared conversation. The
// backend's short-lived retained state is the authority on whether undo is
// still possible - the client-side buffer is only a UX optimization.
func (c *Client) UndoClear(ctx context.Context, kbID string) error {
	body := map[string]string{"kb_id": kbID}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/kbs/%s/session/undo", kbID), body, nil); err != nil {
		return fmt.Errorf("undo clear: %w", err)
	}
	return nil
}

// Interrupt tells the backend to stop generating the active answer.
// Best-effort: callers log failures but never surface them.
func (c *Client) Interrupt(ctx context.Context, conversationID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/interrupt", nil, nil); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// do executes one JSON round trip. Non-2xx responses are decoded as
// RFC 7807 problem details into *domain.APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("resolve bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httputil.DecodeProblem(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func listCacheKey(kbID string) string {
	return "conversations:" + kbID
}
