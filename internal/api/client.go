// Package api is the REST client for the collaborator API. Every response
// is wrapped in a {success, data, error} envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/lingolive/internal/types"
)

var (
	ErrNotConfigured = errors.New("api base url is not configured")
	ErrNoSession     = errors.New("no session bound")
	ErrUnsuccessful  = errors.New("api reported failure")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Client implements types.UnreadFetcher and types.RoomAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	session types.Session
}

// New creates a client rooted at baseURL, e.g. https://host/api.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetSession sets the credentials used for subsequent calls. The zero
// Session clears them.
func (c *Client) SetSession(session types.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Token
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	token := c.token()
	if token == "" {
		return ErrNoSession
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", string(types.NewRequestID()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("%w: %s", ErrUnsuccessful, env.Error)
		}
		return ErrUnsuccessful
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("parsing response data: %w", err)
	}
	return nil
}

// UnreadCount fetches the authoritative unread notification count.
func (c *Client) UnreadCount(ctx context.Context, userID types.UserID) (int, error) {
	var data struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/"+url.PathEscape(string(userID)), nil, &data); err != nil {
		return 0, fmt.Errorf("fetch unread count: %w", err)
	}
	return data.UnreadCount, nil
}

// ListMessages fetches up to limit messages older than before. A zero
// before fetches the latest page.
func (c *Client) ListMessages(ctx context.Context, roomID types.RoomID, before types.MessageID, limit int) (*types.MessagePage, error) {
	q := url.Values{}
	if before != 0 {
		q.Set("before", before.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := roomPath(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page types.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &page, nil
}

// SendMessage posts a message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, roomID types.RoomID, body string) (*types.RoomMessage, error) {
	var data struct {
		Message types.RoomMessage `json:"message"`
	}
	req := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID)+"/messages", req, &data); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if data.Message.RoomID == "" {
		data.Message.RoomID = roomID
	}
	return &data.Message, nil
}

// SendTyping reports the local user's typing state for a room.
func (c *Client) SendTyping(ctx context.Context, roomID types.RoomID, typing bool) error {
	req := map[string]bool{"typing": typing}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID)+"/typing", req, nil); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// ToggleReaction flips the local user's reaction and returns the full set
// of users now holding emoji on the message.
func (c *Client) ToggleReaction(ctx context.Context, roomID types.RoomID, messageID types.MessageID, emoji string) ([]types.UserID, error) {
	var data struct {
		UserIDs []types.UserID `json:"userIds"`
	}
	path := fmt.Sprintf("%s/messages/%s/reactions", roomPath(roomID), messageID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, &data); err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	return data.UserIDs, nil
}

func roomPath(roomID types.RoomID) string {
	return "/groups/" + url.PathEscape(string(roomID))
}
