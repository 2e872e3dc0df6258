// Package api is the REST half of the chat contract. Every response is
// wrapped in {"success","data","error"}.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/pkg/metrics"
)

// Error is a request the server refused. Status is the HTTP status code.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Status)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var p models.Profile
	err := c.do(ctx, "profile", http.MethodGet, "/auth/profile", nil, &p)
	return p, err
}

// GetMessages fetches one history page, oldest first. Page 1 holds the
// newest messages.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]models.WireMessage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var msgs []models.WireMessage
	if err := c.do(ctx, "get_messages", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, "delete_conversation", http.MethodDelete, "/chat/conversations/"+url.PathEscape(conversationID), nil, nil)
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (models.WireMessage, error) {
	var msg models.WireMessage
	body := map[string]string{"content": content}
	err := c.do(ctx, "update_message", http.MethodPatch, "/chat/messages/"+url.PathEscape(messageID), body, &msg)
	return msg, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete_message", http.MethodDelete, "/chat/messages/"+url.PathEscape(messageID), nil, nil)
}

// MarkAsRead returns the ids the server flipped to read.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) ([]string, error) {
	var out struct {
		MessageIDs []string `json:"messageIds"`
	}
	err := c.do(ctx, "mark_as_read", http.MethodPost, "/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, &out)
	return out.MessageIDs, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() { metrics.RecordRequest(op, err, time.Since(start).Seconds()) }()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{Op: op, Status: resp.StatusCode}
		}
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &Error{Op: op, Status: resp.StatusCode, Message: env.Error}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: failed to decode data: %w", op, err)
		}
	}
	return nil
}
