package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client calls the request/response API. All methods are plain opaque
// network calls: retry policy beyond the roster fetches belongs to the
// callers.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	retryBackoff time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff sets the base delay of the roster retry ramp.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.retryBackoff = d }
}

// NewClient creates an API client for the given server.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		retryBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage issues the write for one outbound message and returns
// the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*MessageRecord, error) {
	var rec MessageRecord
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FetchMessages returns one page of a conversation's history. Pages
// start at 1; the server orders within a page however it likes, so
// callers re-sort after merging.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, pageSize int) ([]MessageRecord, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?page=%d&limit=%d",
		url.PathEscape(conversationID), page, pageSize)
	var out struct {
		Messages []MessageRecord `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MarkSeen resets the server-side unseen state for a conversation.
func (c *Client) MarkSeen(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/conversations/%s/seen", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// EditMessage replaces a message body.
func (c *Client) EditMessage(ctx context.Context, messageID, body string) error {
	path := fmt.Sprintf("/api/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, nil)
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/api/messages/%s", url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// AddReaction records a reaction server-side.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	path := fmt.Sprintf("/api/messages/%s/reactions", url.PathEscape(messageID))
	return c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, nil)
}

// RemoveReaction removes a reaction server-side.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	path := fmt.Sprintf("/api/messages/%s/reactions?emoji=%s",
		url.PathEscape(messageID), url.QueryEscape(emoji))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// FetchFriends returns the resolved 1:1 contact list. Transient
// failures retry up to 3 times with linear backoff.
func (c *Client) FetchFriends(ctx context.Context) ([]Friend, error) {
	var out struct {
		Friends []Friend `json:"friends"`
	}
	err := c.doWithRetry(ctx, http.MethodGet, "/api/friends", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Friends, nil
}

// FetchGroups returns the resolved group membership list. Transient
// failures retry up to 3 times with linear backoff.
func (c *Client) FetchGroups(ctx context.Context) ([]GroupRoom, error) {
	var out struct {
		Groups []GroupRoom `json:"groups"`
	}
	err := c.doWithRetry(ctx, http.MethodGet, "/api/groups", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if apiErr, ok := err.(*Error); ok && !apiErr.Temporary() {
			return err
		}
		if attempt == 3 {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
