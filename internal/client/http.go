// Package client talks to the chat API and keeps a reconciled view of the
// user's conversations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/cogni-chat/internal/domain"
)

const (
	defaultTimeout  = 150 * time.Second
	maxErrorBodyLen = 4 << 10
)

// ErrRateLimited is returned when the server throttles the caller.
var ErrRateLimited = errors.New("rate limit exceeded")

// TurnResult is the server's answer to a turn.
type TurnResult struct {
	UserMessage      *domain.StoredMessage `json:"userMessage,omitempty"`
	AssistantMessage domain.StoredMessage  `json:"assistantMessage"`
	NewConversation  *domain.Conversation  `json:"newConversation,omitempty"`
}

// API is the chat surface used by Session.
type API interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
	SubmitTurn(ctx context.Context, message, conversationID string) (*TurnResult, error)
}

// HTTPClient implements API over HTTP with a bearer token.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations fetches the caller's conversations.
func (c *HTTPClient) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches a conversation transcript.
func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	var out []*domain.Message
	path := "/api/chat/messages/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitTurn sends one question. An empty conversationID starts a new
// conversation.
func (c *HTTPClient) SubmitTurn(ctx context.Context, message, conversationID string) (*TurnResult, error) {
	body := map[string]string{"message": message}
	if conversationID != "" {
		body["conversationId"] = conversationID
	}
	var out TurnResult
	if err := c.do(ctx, http.MethodPost, "/api/chat/turn", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps an API status back to the domain error it stands for.
func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		kind = domain.ErrAuthenticationFailed
	case http.StatusNotFound:
		kind = domain.ErrNotFoundOrForbidden
	case http.StatusBadRequest:
		kind = domain.ErrValidationFailed
	case http.StatusConflict:
		kind = domain.ErrTurnInProgress
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = domain.ErrUpstreamUnavailable
	case http.StatusInternalServerError:
		kind = domain.ErrPersistenceFailed
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("%w: %s", kind, payload.Error)
}
